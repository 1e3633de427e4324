package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/parleyhq/parley/internal/intent"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tool"
)

// State tracks a session lane through its lifecycle. Transitions are
// monotonic: created → active → finalizing → finalized.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateFinalizing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// SendFunc delivers one text fragment to the transport. Notices and
// streamed chunks both go through it.
type SendFunc func(ctx context.Context, text string) error

// Runtime is the single execution lane for one session. All message
// handling is serialized by its mutex; two concurrent sends for the
// same session queue up rather than interleave.
type Runtime struct {
	orch    *Orchestrator
	id      string
	ownerID string

	mu    sync.Mutex // serializes HandleMessage and finalization work
	state atomic.Int32

	finalizeOnce sync.Once
	finalizeErr  error
}

func newRuntime(o *Orchestrator, id, ownerID string) *Runtime {
	r := &Runtime{orch: o, id: id, ownerID: ownerID}
	r.state.Store(int32(StateCreated))
	return r
}

// ID returns the session ID.
func (r *Runtime) ID() string { return r.id }

// OwnerID returns the owning user.
func (r *Runtime) OwnerID() string { return r.ownerID }

// State returns the lane's current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// HandleMessage processes one user message end to end: persist the user
// turn, classify, dispatch at most one tool, assemble the model context,
// stream the reply through send, persist the ai turn. A tool failure
// degrades to a no-tool turn; a stream failure persists whatever partial
// text already reached the user.
func (r *Runtime) HandleMessage(ctx context.Context, message string, send SendFunc) error {
	if s := r.State(); s >= StateFinalizing {
		return ErrSessionFinalized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the lock: finalization may have won the race.
	if s := r.State(); s >= StateFinalizing {
		return ErrSessionFinalized
	}
	r.state.CompareAndSwap(int32(StateCreated), int32(StateActive))

	logger := r.orch.cfg.Logger
	st := r.orch.cfg.Store

	userTurn, err := st.AppendTurn(ctx, r.id, store.EventUser, message, nil)
	if err != nil {
		return fmt.Errorf("recording user turn: %w", err)
	}

	it := intent.Classify(message)
	if it != intent.CasualChat {
		r.notify(ctx, send, "["+it.Label()+"]")
	}

	toolResult := r.dispatchTool(ctx, message, send)

	history, err := st.Turns(ctx, r.id, r.orch.cfg.HistoryWindow+1)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	msgs := buildContext(contextInput{
		Intent:     it,
		History:    history,
		CurrentSeq: userTurn.SequenceNumber,
		Message:    message,
		Tool:       toolResult,
		Window:     r.orch.cfg.HistoryWindow,
	})

	reply, partial, streamErr := r.streamReply(ctx, msgs, send)

	meta := map[string]any{"intent": it.String()}
	if toolResult != nil {
		meta["tool_used"] = toolResult.Tool
	}

	persistCtx := ctx
	if streamErr != nil {
		logger.Warn("stream failed",
			"session_id", r.id,
			"partial_len", len(partial),
			"error", streamErr,
		)
		r.notify(ctx, send, "[Response interrupted]")
		if partial == "" {
			return fmt.Errorf("generating reply: %w", streamErr)
		}
		reply = partial
		meta["partial"] = true

		// The request context may already be dead (cancellation is
		// often why we are here); the partial still must land.
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
	}

	if _, err := st.AppendTurn(persistCtx, r.id, store.EventAI, reply, meta); err != nil {
		return fmt.Errorf("recording ai turn: %w", err)
	}

	if streamErr != nil {
		return fmt.Errorf("generating reply: %w", streamErr)
	}

	logger.Debug("turn completed",
		"session_id", r.id,
		"intent", it.String(),
		"tool_used", meta["tool_used"],
		"reply_len", len(reply),
	)
	return nil
}

// dispatchTool runs at most one tool for the message. A tool failure is
// recorded as a system turn and announced, then the turn proceeds
// without tool output. Never aborts the turn.
func (r *Runtime) dispatchTool(ctx context.Context, message string, send SendFunc) *tool.Result {
	if r.orch.cfg.Tools == nil {
		return nil
	}
	res, err := r.orch.cfg.Tools.Dispatch(ctx, message, r.id, r.ownerID)
	if err != nil {
		r.orch.cfg.Logger.Warn("tool dispatch failed",
			"session_id", r.id,
			"error", err,
		)
		if _, serr := r.orch.cfg.Store.AppendTurn(ctx, r.id, store.EventSystem,
			"tool call failed, continuing without tool output",
			map[string]any{"tool_error": err.Error()},
		); serr != nil {
			r.orch.cfg.Logger.Warn("recording tool failure",
				"session_id", r.id,
				"error", serr,
			)
		}
		r.notify(ctx, send, "[Tool unavailable, answering without it]")
		return nil
	}
	if res != nil {
		r.notify(ctx, send, "[Tool: "+res.Tool+"]")
	}
	return res
}

// Finalize summarizes and closes the session. Safe to call from
// multiple goroutines and multiple times; only the first call does the
// work, later calls return the recorded outcome. The session is marked
// finalized even when summarization fails.
func (r *Runtime) Finalize(ctx context.Context) error {
	r.finalizeOnce.Do(func() {
		// Refuse new messages first, then wait out any in-flight turn.
		r.state.Store(int32(StateFinalizing))
		r.mu.Lock()
		defer r.mu.Unlock()

		if err := r.orch.cfg.Summarizer.Finalize(ctx, r.id); err != nil {
			r.orch.cfg.Logger.Error("finalizing session",
				"session_id", r.id,
				"error", err,
			)
			r.finalizeErr = fmt.Errorf("finalizing session: %w", err)
		}
		r.state.Store(int32(StateFinalized))
		r.orch.Release(r.id)

		r.orch.cfg.Logger.Info("session finalized",
			"session_id", r.id,
			"owner_id", r.ownerID,
		)
	})
	return r.finalizeErr
}

// notify sends a one-line status notice to the transport. Best-effort;
// a dropped notice never fails the turn.
func (r *Runtime) notify(ctx context.Context, send SendFunc, line string) {
	if send == nil {
		return
	}
	if err := send(ctx, line+"\n"); err != nil {
		r.orch.cfg.Logger.Debug("notice dropped",
			"session_id", r.id,
			"error", err,
		)
	}
}
