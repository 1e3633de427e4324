package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/chat"
)

const (
	// wsWriteWait bounds each individual write.
	wsWriteWait = 10 * time.Second

	// wsPongWait is how long we wait for a pong before the read fails.
	wsPongWait = 60 * time.Second

	// wsPingInterval must be shorter than wsPongWait so the peer always
	// has a ping to answer.
	wsPingInterval = (wsPongWait * 9) / 10

	// wsReadLimit caps incoming message size.
	wsReadLimit = 32 << 10

	// wsFinalizeTimeout bounds finalization after disconnect. The
	// request context is dead by then, so finalization gets its own.
	wsFinalizeTimeout = 30 * time.Second
)

// wsHandler upgrades chat connections and bridges them to the session
// runtime.
type wsHandler struct {
	orch     *chat.Orchestrator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newWSHandler(orch *chat.Orchestrator, logger *slog.Logger) *wsHandler {
	return &wsHandler{
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				// Browser clients are same-origin in this deployment;
				// API clients send no Origin at all.
				return true
			},
		},
	}
}

// handle serves GET /ws and GET /ws/{session_id}. An absent or empty
// session id gets a server-generated one; an unknown id creates the
// session (get-or-create, first writer wins).
func (h *wsHandler) handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing_owner", "query parameter 'owner' is required", h.logger)
		return
	}

	rt, created, err := h.orch.Acquire(r.Context(), sessionID, owner)
	if err != nil {
		if errors.Is(err, chat.ErrOwnerMismatch) {
			writeError(w, http.StatusForbidden, "owner_mismatch", "session belongs to a different owner", h.logger)
			return
		}
		h.logger.Error("acquiring session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "acquire_failed", "failed to open session", h.logger)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	h.serve(conn, rt, created)
}

// wsConn serializes writes: the ping loop and the streaming sender
// write concurrently, and gorilla connections allow one writer at a
// time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text)) //nolint:wrapcheck // transport boundary
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil) //nolint:wrapcheck // transport boundary
}

// serve runs the connection: a background ping loop plus a read loop
// that feeds messages to the runtime one at a time. On disconnect the
// in-flight stream is cancelled and the session finalized.
func (h *wsHandler) serve(ws *websocket.Conn, rt *chat.Runtime, created bool) {
	conn := &wsConn{conn: ws}
	defer ws.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadLimit(wsReadLimit)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if created {
		_ = conn.writeText("[Session " + rt.ID() + " started]\n")
	} else {
		_ = conn.writeText("[Session " + rt.ID() + " resumed]\n")
	}

	send := func(_ context.Context, text string) error {
		return conn.writeText(text)
	}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "session_id", rt.ID(), "error", err)
			}
			break
		}

		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}

		if err := rt.HandleMessage(ctx, text, send); err != nil {
			if errors.Is(err, chat.ErrSessionFinalized) {
				break
			}
			// Degraded turn: the runtime already told the client.
			h.logger.Warn("message handling failed",
				"session_id", rt.ID(),
				"error", err,
			)
		}
	}

	// Stop the in-flight stream and the ping loop before finalizing.
	cancel()
	<-pingDone

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), wsFinalizeTimeout)
	defer finalizeCancel()
	if err := rt.Finalize(finalizeCtx); err != nil {
		h.logger.Error("finalizing on disconnect", "session_id", rt.ID(), "error", err)
	}
}
