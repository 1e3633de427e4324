package store

import (
	"time"
)

// EventType identifies who produced a turn.
type EventType string

const (
	EventUser   EventType = "user"
	EventAI     EventType = "ai"
	EventSystem EventType = "system"
)

// Valid reports whether the event type is one of the known values.
func (e EventType) Valid() bool {
	switch e {
	case EventUser, EventAI, EventSystem:
		return true
	}
	return false
}

// Session status values. Transitions only ever go active → completed.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is one logical conversation between one owner and the
// assistant. Summary fields stay nil until finalization.
type Session struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Status      string         `json:"status"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
	Topics      []string       `json:"topics,omitempty"`
	Sentiment   *string        `json:"sentiment,omitempty"`
	Metrics     map[string]int `json:"metrics,omitempty"`
	KeyOutcomes *string        `json:"key_outcomes,omitempty"`
	Rating      *int           `json:"rating,omitempty"`
	RatedAt     *time.Time     `json:"rated_at,omitempty"`
}

// Turn is one immutable logged event within a session. SequenceNumber
// is assigned by the store on insert and strictly increases per session.
type Turn struct {
	ID             int64          `json:"id"`
	SessionID      string         `json:"session_id"`
	SequenceNumber int64          `json:"sequence_number"`
	EventType      EventType      `json:"event_type"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TurnStats aggregates turn counts for one session.
type TurnStats struct {
	Total       int `json:"total"`
	UserTurns   int `json:"user_turns"`
	AITurns     int `json:"ai_turns"`
	SystemTurns int `json:"system_turns"`
}

// SummaryFields is the payload the summarizer persists onto a session.
type SummaryFields struct {
	Summary     string         `json:"summary"`
	Topics      []string       `json:"topics"`
	Sentiment   string         `json:"sentiment"`
	Metrics     map[string]int `json:"metrics"`
	KeyOutcomes string         `json:"key_outcomes"`
}
