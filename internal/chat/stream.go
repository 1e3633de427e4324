package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/parleyhq/parley/internal/model"
)

// streamReply drives the model and forwards each chunk through send the
// moment it arrives. An idle watchdog cancels the call when no chunk
// shows up within StreamIdleTimeout; the watchdog re-arms on every
// chunk, so slow-but-alive streams run as long as they like.
//
// On success the full reply is returned. On error, whatever text was
// already forwarded is returned as partial so the caller can persist it.
func (r *Runtime) streamReply(ctx context.Context, msgs []*ai.Message, send SendFunc) (full, partial string, err error) {
	idle := r.orch.cfg.StreamIdleTimeout

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := time.AfterFunc(idle, func() { cancel(ErrStreamIdle) })
	defer watchdog.Stop()

	var sb strings.Builder
	fn := func(ctx context.Context, chunk model.Chunk) error {
		// Cooperative cancellation check between chunks.
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		watchdog.Reset(idle)

		sb.WriteString(chunk.Text)
		if send != nil {
			if err := send(ctx, chunk.Text); err != nil {
				return fmt.Errorf("forwarding chunk: %w", err)
			}
		}
		return nil
	}

	text, err := r.orch.cfg.Model.Stream(ctx, msgs, fn)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrStreamIdle) {
			err = ErrStreamIdle
		}
		return "", sb.String(), err
	}
	if text == "" {
		text = sb.String()
	}
	return text, "", nil
}
