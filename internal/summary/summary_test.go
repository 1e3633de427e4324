package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/store"
)

// fakeStore records persistence calls for one session.
type fakeStore struct {
	turns      []store.Turn
	turnsErr   error
	session    *store.Session
	sessionErr error

	finalized    *store.SummaryFields
	finalizeTime time.Time
	saved        *store.SummaryFields
}

func (f *fakeStore) GetSession(context.Context, string) (*store.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if f.session == nil {
		return &store.Session{ID: "sess-1", Status: store.StatusCompleted}, nil
	}
	return f.session, nil
}

func (f *fakeStore) Turns(context.Context, string, int) ([]store.Turn, error) {
	return f.turns, f.turnsErr
}

func (f *fakeStore) FinalizeSession(_ context.Context, _ string, fields store.SummaryFields, endTime time.Time) error {
	f.finalized = &fields
	f.finalizeTime = endTime
	return nil
}

func (f *fakeStore) SaveSummary(_ context.Context, _ string, fields store.SummaryFields) error {
	f.saved = &fields
	return nil
}

// scriptedCompleter replays canned replies in order.
type scriptedCompleter struct {
	replies []string
	errs    []error
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	i := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var reply string
	if i < len(c.replies) {
		reply = c.replies[i]
	}
	return reply, err
}

func conversationTurns() []store.Turn {
	return []store.Turn{
		{SequenceNumber: 1, EventType: store.EventUser, Message: "my docker build is broken"},
		{SequenceNumber: 2, EventType: store.EventAI, Message: "Let's check the Dockerfile first"},
		{SequenceNumber: 3, EventType: store.EventSystem, Message: "tool call failed"},
		{SequenceNumber: 4, EventType: store.EventUser, Message: "found it, thanks"},
		{SequenceNumber: 5, EventType: store.EventAI, Message: "Glad it works now"},
	}
}

const goodReply = `{"summary": "User debugged a docker build failure.",
"topics": ["docker", "build errors"],
"sentiment": "positive",
"key_outcomes": "Dockerfile fixed"}`

func newSummarizer(t *testing.T, st *fakeStore, c *scriptedCompleter) *Summarizer {
	t.Helper()
	s, err := New(st, c, log.NewNop())
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &scriptedCompleter{}, log.NewNop())
	assert.Error(t, err)
	_, err = New(&fakeStore{}, nil, log.NewNop())
	assert.Error(t, err)
}

func TestFinalize_HappyPath(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{goodReply}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	require.NotNil(t, st.finalized)

	assert.Equal(t, "User debugged a docker build failure.", st.finalized.Summary)
	assert.Equal(t, []string{"docker", "build errors"}, st.finalized.Topics)
	assert.Equal(t, "positive", st.finalized.Sentiment)
	assert.Equal(t, "Dockerfile fixed", st.finalized.KeyOutcomes)
	assert.WithinDuration(t, time.Now(), st.finalizeTime, 5*time.Second)

	// Metrics computed locally, system turns excluded.
	assert.Equal(t, map[string]int{
		"total_messages": 4,
		"user_messages":  2,
		"ai_messages":    2,
		"user_words":     8,
		"ai_words":       9,
	}, st.finalized.Metrics)

	// The transcript the model saw has no system lines.
	require.Len(t, c.prompts, 1)
	assert.Contains(t, c.prompts[0], "User: my docker build is broken")
	assert.Contains(t, c.prompts[0], "AI: Glad it works now")
	assert.NotContains(t, c.prompts[0], "tool call failed")
}

func TestFinalize_FencedReply(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{"```json\n" + goodReply + "\n```"}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	assert.Equal(t, "User debugged a docker build failure.", st.finalized.Summary)
}

func TestFinalize_RetryOnMalformedReply(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{"Sure! Here is the summary you asked for.", goodReply}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	require.Len(t, c.prompts, 2)
	assert.Contains(t, c.prompts[1], "ONLY the raw JSON")
	assert.Equal(t, "positive", st.finalized.Sentiment)
}

func TestFinalize_DoubleFailureStillFinalizes(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{"garbage", "more garbage"}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	require.NotNil(t, st.finalized)

	assert.Empty(t, st.finalized.Summary)
	assert.Empty(t, st.finalized.Topics)
	assert.Empty(t, st.finalized.Sentiment)
	assert.Empty(t, st.finalized.KeyOutcomes)
	// Metrics never depend on the model.
	assert.Equal(t, 4, st.finalized.Metrics["total_messages"])
}

func TestFinalize_ModelErrorStillFinalizes(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{errs: []error{errors.New("boom"), errors.New("boom again")}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	require.Len(t, c.prompts, 2)
	assert.Empty(t, st.finalized.Summary)
}

func TestFinalize_EmptyTranscriptSkipsModel(t *testing.T) {
	st := &fakeStore{}
	c := &scriptedCompleter{}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	assert.Empty(t, c.prompts)
	require.NotNil(t, st.finalized)
	assert.Equal(t, 0, st.finalized.Metrics["total_messages"])
}

func TestFinalize_SentimentCoercion(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{
		`{"summary": "s", "topics": [], "sentiment": "ecstatic", "key_outcomes": ""}`,
	}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Finalize(context.Background(), "sess-1"))
	assert.Equal(t, "neutral", st.finalized.Sentiment)
}

func TestRegenerate_OverwritesWithoutTouchingStatus(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{goodReply}}
	s := newSummarizer(t, st, c)

	require.NoError(t, s.Regenerate(context.Background(), "sess-1"))
	require.NotNil(t, st.saved)
	assert.Nil(t, st.finalized)
	assert.Equal(t, "positive", st.saved.Sentiment)
}

func TestRegenerate_UnknownSession(t *testing.T) {
	st := &fakeStore{sessionErr: store.ErrNotFound}
	s := newSummarizer(t, st, &scriptedCompleter{})

	err := s.Regenerate(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegenerate_DoubleModelFailureReturnsError(t *testing.T) {
	st := &fakeStore{turns: conversationTurns()}
	c := &scriptedCompleter{replies: []string{"not json", "still not json"}}
	s := newSummarizer(t, st, c)

	err := s.Regenerate(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Nil(t, st.saved)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}  ", `{"a":1}`},
		{"single line fence", "```{\"a\":1}```", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFences(tt.in))
		})
	}
}

func TestRenderTranscript(t *testing.T) {
	got := renderTranscript(conversationTurns())
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "User: my docker build is broken", lines[0])
	assert.Equal(t, "AI: Let's check the Dockerfile first", lines[1])
}

func TestCoerceSentiment(t *testing.T) {
	assert.Equal(t, "positive", coerceSentiment("Positive"))
	assert.Equal(t, "negative", coerceSentiment(" negative "))
	assert.Equal(t, "neutral", coerceSentiment("neutral"))
	assert.Equal(t, "neutral", coerceSentiment("mixed"))
	assert.Equal(t, "neutral", coerceSentiment(""))
}
