// Package summary turns a finished session's transcript into structured
// summary fields and persists them.
//
// The model is asked for a raw JSON object; one malformed reply earns a
// single retry with a clarifying instruction. A second failure never
// blocks finalization: the session is closed with empty summary fields
// and locally computed metrics, and can be filled in later through
// regeneration.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const summaryPrompt = `Analyze this conversation transcript and produce a JSON object with
exactly these keys:
  "summary": a 2-3 sentence summary of the conversation
  "topics": an array of the main topics discussed (strings)
  "sentiment": one of "positive", "neutral", "negative"
  "key_outcomes": a short description of decisions or results, or ""

Respond with the raw JSON object only.

Transcript:
%s`

const retryClarification = `

Your previous reply could not be parsed. Respond with ONLY the raw JSON
object: no markdown, no code fences, no commentary before or after.`

// Store is the slice of the persistence layer the summarizer uses.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	Turns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error)
	FinalizeSession(ctx context.Context, id string, fields store.SummaryFields, endTime time.Time) error
	SaveSummary(ctx context.Context, id string, fields store.SummaryFields) error
}

// Completer is the single-shot generation surface the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Summarizer generates and persists session summaries.
type Summarizer struct {
	store  Store
	model  Completer
	logger *slog.Logger
}

// New creates a Summarizer.
func New(st Store, model Completer, logger *slog.Logger) (*Summarizer, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if model == nil {
		return nil, errors.New("model completer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{store: st, model: model, logger: logger}, nil
}

// Finalize summarizes the session and marks it completed. Summarization
// failure degrades to empty summary fields; only a persistence failure
// is returned as an error. Calling it again on an already-completed
// session rewrites the summary but never moves end_time.
func (s *Summarizer) Finalize(ctx context.Context, sessionID string) error {
	turns, err := s.store.Turns(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("loading turns: %w", err)
	}

	fields, genErr := s.generate(ctx, sessionID, turns)
	if genErr != nil {
		s.logger.Error("summarization failed, finalizing with empty summary",
			"session_id", sessionID,
			"error", genErr,
		)
	}

	if err := s.store.FinalizeSession(ctx, sessionID, fields, time.Now()); err != nil {
		return fmt.Errorf("persisting finalization: %w", err)
	}

	s.logger.Info("session summarized",
		"session_id", sessionID,
		"turns", len(turns),
		"degraded", genErr != nil,
	)
	return nil
}

// Regenerate rebuilds the summary for an existing session and overwrites
// the stored fields. Unlike Finalize, a model failure is returned to the
// caller; the session's status and end time are untouched either way.
func (s *Summarizer) Regenerate(ctx context.Context, sessionID string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	turns, err := s.store.Turns(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("loading turns: %w", err)
	}

	fields, err := s.generate(ctx, sessionID, turns)
	if err != nil {
		return err
	}

	if err := s.store.SaveSummary(ctx, sessionID, fields); err != nil {
		return fmt.Errorf("persisting summary: %w", err)
	}
	return nil
}

// generate produces the summary fields for a transcript. Metrics are
// always computed locally from the turns; only summary, topics,
// sentiment, and key outcomes come from the model. An empty transcript
// skips the model entirely.
func (s *Summarizer) generate(ctx context.Context, sessionID string, turns []store.Turn) (store.SummaryFields, error) {
	fields := store.SummaryFields{
		Topics:  []string{},
		Metrics: computeMetrics(turns),
	}

	transcript := renderTranscript(turns)
	if transcript == "" {
		return fields, nil
	}

	prompt := fmt.Sprintf(summaryPrompt, transcript)
	parsed, err := s.once(ctx, prompt)
	if err != nil {
		s.logger.Warn("summary attempt failed, retrying",
			"session_id", sessionID,
			"error", err,
		)
		parsed, err = s.once(ctx, prompt+retryClarification)
		if err != nil {
			return fields, fmt.Errorf("summarizing after retry: %w", err)
		}
	}

	fields.Summary = parsed.Summary
	if parsed.Topics != nil {
		fields.Topics = parsed.Topics
	}
	fields.Sentiment = coerceSentiment(parsed.Sentiment)
	fields.KeyOutcomes = parsed.KeyOutcomes
	return fields, nil
}

// summaryPayload is the JSON shape the model is asked for. Metrics the
// model may volunteer are ignored.
type summaryPayload struct {
	Summary     string   `json:"summary"`
	Topics      []string `json:"topics"`
	Sentiment   string   `json:"sentiment"`
	KeyOutcomes string   `json:"key_outcomes"`
}

// once runs a single model call and parses the reply.
func (s *Summarizer) once(ctx context.Context, prompt string) (*summaryPayload, error) {
	reply, err := s.model.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	var p summaryPayload
	if err := json.Unmarshal([]byte(stripFences(reply)), &p); err != nil {
		return nil, fmt.Errorf("parsing summary JSON: %w", err)
	}
	return &p, nil
}

// renderTranscript produces "User:"/"AI:" lines. System turns are
// operator records and stay out of the transcript.
func renderTranscript(turns []store.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		switch t.EventType {
		case store.EventUser:
			sb.WriteString("User: ")
		case store.EventAI:
			sb.WriteString("AI: ")
		default:
			continue
		}
		sb.WriteString(t.Message)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// computeMetrics counts messages and words from the turns themselves.
func computeMetrics(turns []store.Turn) map[string]int {
	m := map[string]int{
		"total_messages": 0,
		"user_messages":  0,
		"ai_messages":    0,
		"user_words":     0,
		"ai_words":       0,
	}
	for _, t := range turns {
		words := len(strings.Fields(t.Message))
		switch t.EventType {
		case store.EventUser:
			m["total_messages"]++
			m["user_messages"]++
			m["user_words"] += words
		case store.EventAI:
			m["total_messages"]++
			m["ai_messages"]++
			m["ai_words"] += words
		}
	}
	return m
}

// coerceSentiment clamps unknown sentiment labels to neutral.
func coerceSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	default:
		return "neutral"
	}
}

// stripFences removes a wrapping markdown code fence, with or without a
// language tag. Models add them no matter how firmly the prompt forbids
// it.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return strings.TrimSpace(strings.Trim(s, "`"))
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
