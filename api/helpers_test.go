package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tool"
)

// memStore is an in-memory store implementing both the REST handler
// surface and the orchestrator's persistence surface.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	turns    map[string][]store.Turn
	pingErr  error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*store.Session),
		turns:    make(map[string][]store.Turn),
	}
}

func (m *memStore) GetOrCreateSession(_ context.Context, id, ownerID string) (*store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false, nil
	}
	s := &store.Session{ID: id, OwnerID: ownerID, Status: store.StatusActive, StartTime: time.Now()}
	m.sessions[id] = s
	return s, true, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *memStore) AppendTurn(_ context.Context, sessionID string, event store.EventType, message string, metadata map[string]any) (*store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := store.Turn{
		SessionID:      sessionID,
		SequenceNumber: int64(len(m.turns[sessionID]) + 1),
		EventType:      event,
		Message:        message,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return &t, nil
}

func (m *memStore) Turns(_ context.Context, sessionID string, limit int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]store.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (m *memStore) SessionsByOwner(_ context.Context, ownerID string, limit int) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, *s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateRating(_ context.Context, id string, rating int, ratedAt time.Time) error {
	if rating < 1 || rating > 5 {
		return store.ErrInvalidRating
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Rating = &rating
	s.RatedAt = &ratedAt
	return nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) sessionTurns(sessionID string) []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out
}

func (m *memStore) putSession(s *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// chunkModel streams fixed chunks.
type chunkModel struct {
	chunks []string
}

func (c *chunkModel) Stream(ctx context.Context, _ []*ai.Message, fn model.StreamFunc) (string, error) {
	var full string
	for _, chunk := range c.chunks {
		if err := fn(ctx, model.Chunk{Text: chunk}); err != nil {
			return "", err
		}
		full += chunk
	}
	return full, nil
}

func (c *chunkModel) Complete(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

// stubSummaries counts finalizations and scripts regeneration.
type stubSummaries struct {
	mu            sync.Mutex
	finalized     []string
	regenerateErr error
	store         *memStore
}

func (s *stubSummaries) Finalize(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, sessionID)
	return nil
}

func (s *stubSummaries) Regenerate(ctx context.Context, sessionID string) error {
	if s.store != nil {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regenerateErr
}

func (s *stubSummaries) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

type testServer struct {
	srv   *httptest.Server
	store *memStore
	summ  *stubSummaries
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := newMemStore()
	summ := &stubSummaries{store: st}

	orch, err := chat.New(chat.Config{
		Store:             st,
		Model:             &chunkModel{chunks: []string{"Hello", " there", "!"}},
		Tools:             tool.NewRegistry(noopToolStore{}, log.NewNop()),
		Summarizer:        summ,
		Logger:            log.NewNop(),
		HistoryWindow:     20,
		StreamIdleTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	server, err := NewServer(Config{
		Logger:       log.NewNop(),
		Store:        st,
		Orchestrator: orch,
		Summaries:    summ,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, summ: summ}
}

// noopToolStore satisfies the tool registry without hitting a database.
type noopToolStore struct{}

func (noopToolStore) GetSession(context.Context, string) (*store.Session, error) {
	return &store.Session{StartTime: time.Now()}, nil
}

func (noopToolStore) TurnStats(context.Context, string) (*store.TurnStats, error) {
	return &store.TurnStats{}, nil
}

func (noopToolStore) SearchTurns(context.Context, string, string, int) ([]store.Turn, error) {
	return nil, nil
}

func (noopToolStore) SessionsByOwner(context.Context, string, int) ([]store.Session, error) {
	return nil, nil
}
