// Package chat orchestrates live conversation sessions.
//
// An Orchestrator holds one Runtime per active session. A Runtime is the
// session's single execution lane: messages are processed strictly one
// at a time, each turn flowing through classification, optional tool
// dispatch, context assembly, and streaming generation before the reply
// is persisted. Finalization runs exactly once per runtime regardless of
// how many disconnect signals arrive.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tool"
)

const (
	// DefaultHistoryWindow bounds how many prior turns enter the model
	// context.
	DefaultHistoryWindow = 20

	// DefaultStreamIdleTimeout is how long the coordinator waits between
	// chunks before treating the stream as stalled.
	DefaultStreamIdleTimeout = 60 * time.Second

	// persistTimeout bounds the detached write that saves a partial
	// reply after the request context died.
	persistTimeout = 5 * time.Second
)

// Sentinel errors for session orchestration.
var (
	// ErrSessionFinalized indicates the session no longer accepts
	// messages.
	ErrSessionFinalized = errors.New("session is finalized")

	// ErrOwnerMismatch indicates the session belongs to a different
	// owner.
	ErrOwnerMismatch = errors.New("session belongs to a different owner")

	// ErrStreamIdle indicates the model produced no chunk within the
	// idle timeout.
	ErrStreamIdle = errors.New("stream idle timeout exceeded")
)

// Store is the slice of the persistence layer the orchestrator uses.
type Store interface {
	GetOrCreateSession(ctx context.Context, id, ownerID string) (*store.Session, bool, error)
	AppendTurn(ctx context.Context, sessionID string, event store.EventType, message string, metadata map[string]any) (*store.Turn, error)
	Turns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error)
}

// Dispatcher routes a message to at most one tool.
type Dispatcher interface {
	Dispatch(ctx context.Context, message, sessionID, ownerID string) (*tool.Result, error)
}

// Summarizer closes out a finished session.
type Summarizer interface {
	Finalize(ctx context.Context, sessionID string) error
}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Store      Store
	Model      model.Generator
	Tools      Dispatcher
	Summarizer Summarizer
	Logger     *slog.Logger

	// HistoryWindow is the max number of prior turns included in the
	// model context. Zero uses DefaultHistoryWindow.
	HistoryWindow int

	// StreamIdleTimeout cancels generation when no chunk arrives in
	// time. Zero uses DefaultStreamIdleTimeout.
	StreamIdleTimeout time.Duration
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Model == nil {
		return errors.New("model generator is required")
	}
	if cfg.Summarizer == nil {
		return errors.New("summarizer is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator owns the live runtimes. Runtimes never share state with
// each other; the orchestrator only maps session IDs to lanes.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	return &Orchestrator{
		cfg:      cfg,
		runtimes: make(map[string]*Runtime),
	}, nil
}

// Acquire returns the runtime for sessionID, creating the store row
// (get-or-create, first writer wins) and the runtime as needed. The
// returned bool reports whether the session row was newly created.
// A session is bound to one owner; a different owner is rejected.
func (o *Orchestrator) Acquire(ctx context.Context, sessionID, ownerID string) (*Runtime, bool, error) {
	sess, created, err := o.cfg.Store.GetOrCreateSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring session: %w", err)
	}
	if sess.OwnerID != ownerID {
		return nil, false, ErrOwnerMismatch
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.runtimes[sessionID]
	if !ok {
		r = newRuntime(o, sessionID, sess.OwnerID)
		o.runtimes[sessionID] = r
		o.cfg.Logger.Debug("runtime created",
			"session_id", sessionID,
			"owner_id", ownerID,
			"new_session", created,
		)
	}
	return r, created, nil
}

// Release drops the runtime for sessionID. Called after finalization;
// a later Acquire for the same session builds a fresh lane.
func (o *Orchestrator) Release(sessionID string) {
	o.mu.Lock()
	delete(o.runtimes, sessionID)
	o.mu.Unlock()
}

// Active returns the number of live runtimes.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runtimes)
}
