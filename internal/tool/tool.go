// Package tool decides whether a data-lookup tool must run before the
// model answers, and executes it against the store.
//
// Matching uses the same ordered-substring style as intent
// classification: tools are checked in registration order and the first
// whose trigger phrases appear in the message wins. At most one tool
// fires per turn. Execution failures are returned to the caller as
// errors and degrade to a no-tool context; they never abort the turn.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// Store is the read surface tools run against.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	TurnStats(ctx context.Context, sessionID string) (*store.TurnStats, error)
	SearchTurns(ctx context.Context, sessionID, keyword string, limit int) ([]store.Turn, error)
	SessionsByOwner(ctx context.Context, ownerID string, limit int) ([]store.Session, error)
}

// Params carries the derived arguments for one invocation. SessionID
// and OwnerID are implicit from the current session; Keyword is only
// set for the history search tool.
type Params struct {
	SessionID string
	OwnerID   string
	Keyword   string
}

// Tool is one predefined read operation the orchestrator may run before
// answering.
type Tool interface {
	// Name is the stable identifier recorded in turn metadata.
	Name() string

	// Match inspects the lowercased message and reports whether this
	// tool applies, returning any extracted parameters.
	Match(lowered string) (Params, bool)

	// Run executes against the store and returns a JSON-shaped payload
	// for the context builder.
	Run(ctx context.Context, p Params) (map[string]any, error)
}

// Result is a successful invocation: the tool's name plus its payload.
// It lives for exactly one turn.
type Result struct {
	Tool    string
	Payload map[string]any
}

// Registry holds the ordered tool list and dispatches at most one tool
// per message.
type Registry struct {
	tools  []Tool
	logger *slog.Logger
}

// NewRegistry builds the default registry: session stats, history
// search, then session listing, in that priority order.
func NewRegistry(s Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools: []Tool{
			&sessionStats{store: s},
			&historySearch{store: s, limit: 5},
			&allSessions{store: s, limit: 10},
		},
		logger: logger,
	}
}

// Dispatch finds the first matching tool and runs it. Returns (nil, nil)
// when no tool applies. A non-nil error means the matched tool failed;
// the caller treats the result as absent and records the failure.
func (r *Registry) Dispatch(ctx context.Context, message, sessionID, ownerID string) (*Result, error) {
	lowered := strings.ToLower(message)
	for _, t := range r.tools {
		p, ok := t.Match(lowered)
		if !ok {
			continue
		}
		p.SessionID = sessionID
		p.OwnerID = ownerID

		payload, err := t.Run(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name(), err)
		}
		r.logger.Debug("tool executed", "tool", t.Name(), "session_id", sessionID)
		return &Result{Tool: t.Name(), Payload: payload}, nil
	}
	return nil, nil
}

// containsAny reports whether any trigger appears in the message.
func containsAny(lowered string, triggers []string) bool {
	for _, trigger := range triggers {
		if strings.Contains(lowered, trigger) {
			return true
		}
	}
	return false
}

// sessionStats reports message counts and elapsed time for the current
// session.
type sessionStats struct {
	store Store
}

var statsTriggers = []string{
	"how many messages", "message count", "how long", "duration",
	"session stats", "my activity", "how many times",
}

func (*sessionStats) Name() string { return "get_session_stats" }

func (*sessionStats) Match(lowered string) (Params, bool) {
	return Params{}, containsAny(lowered, statsTriggers)
}

func (t *sessionStats) Run(ctx context.Context, p Params) (map[string]any, error) {
	stats, err := t.store.TurnStats(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("counting turns: %w", err)
	}
	sess, err := t.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	elapsed := time.Since(sess.StartTime)
	if sess.EndTime != nil {
		elapsed = sess.EndTime.Sub(sess.StartTime)
	}

	return map[string]any{
		"session_id": p.SessionID,
		"message_count": map[string]any{
			"total": stats.UserTurns + stats.AITurns,
			"user":  stats.UserTurns,
			"ai":    stats.AITurns,
		},
		"duration_minutes": elapsed.Minutes(),
	}, nil
}

// historySearch looks for a keyword in the session's prior messages.
type historySearch struct {
	store Store
	limit int
}

var searchTriggers = []string{
	"did i mention", "what did we discuss", "did we talk about",
	"search for", "find in history", "previous conversation",
}

func (*historySearch) Name() string { return "search_chat_history" }

func (*historySearch) Match(lowered string) (Params, bool) {
	if !containsAny(lowered, searchTriggers) {
		return Params{}, false
	}
	return Params{Keyword: extractKeyword(lowered)}, true
}

func (t *historySearch) Run(ctx context.Context, p Params) (map[string]any, error) {
	turns, err := t.store.SearchTurns(ctx, p.SessionID, p.Keyword, t.limit)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}

	matches := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		matches = append(matches, map[string]any{
			"message":    turn.Message,
			"event_type": string(turn.EventType),
			"created_at": turn.CreatedAt.Format(time.RFC3339),
		})
	}

	return map[string]any{
		"keyword": p.Keyword,
		"found":   len(matches),
		"matches": matches,
	}, nil
}

// allSessions lists the owner's recent sessions.
type allSessions struct {
	store Store
	limit int
}

var listTriggers = []string{
	"my previous chats", "chat history", "all sessions",
	"past conversations", "show my sessions",
}

func (*allSessions) Name() string { return "get_all_sessions" }

func (*allSessions) Match(lowered string) (Params, bool) {
	return Params{}, containsAny(lowered, listTriggers)
}

func (t *allSessions) Run(ctx context.Context, p Params) (map[string]any, error) {
	sessions, err := t.store.SessionsByOwner(ctx, p.OwnerID, t.limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	items := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, map[string]any{
			"session_id": sess.ID,
			"start_time": sess.StartTime.Format(time.RFC3339),
			"status":     sess.Status,
		})
	}

	return map[string]any{
		"count":    len(items),
		"sessions": items,
	}, nil
}

// keywordPatterns are checked in order; the first one present in the
// message anchors the extraction.
var keywordPatterns = []string{
	"about ", "mention ", "discuss ", "talk about ", "said about ",
	"for ", "regarding ",
}

// extractKeyword pulls the search term out of phrases like "did we talk
// about docker?": the first word after the first matching pattern,
// stripped of trailing punctuation. Falls back to the last word of the
// message so the search always has something to look for.
func extractKeyword(lowered string) string {
	for _, pattern := range keywordPatterns {
		idx := strings.Index(lowered, pattern)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(lowered[idx+len(pattern):])
		if len(rest) == 0 {
			continue
		}
		if word := strings.Trim(rest[0], `?,.!"'`); word != "" {
			return word
		}
	}

	fields := strings.Fields(lowered)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], `?,.!"'`)
}
