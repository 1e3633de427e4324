package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/store"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func completedSession(id, owner string) *store.Session {
	summary := "Debugged a docker build."
	sentiment := "positive"
	end := time.Now()
	return &store.Session{
		ID:        id,
		OwnerID:   owner,
		Status:    store.StatusCompleted,
		StartTime: end.Add(-10 * time.Minute),
		EndTime:   &end,
		Summary:   &summary,
		Topics:    []string{"docker"},
		Sentiment: &sentiment,
		Metrics:   map[string]int{"total_messages": 4},
	}
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))
	ts.store.putSession(completedSession("sess-2", "alice"))
	ts.store.putSession(completedSession("sess-3", "bob"))

	var body struct {
		Count    int             `json:"count"`
		Sessions []store.Session `json:"sessions"`
	}
	status := getJSON(t, ts.srv.URL+"/api/sessions?owner=alice", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Sessions, 2)
}

func TestListSessions_MissingOwner(t *testing.T) {
	ts := newTestServer(t)

	var body ErrorResponse
	status := getJSON(t, ts.srv.URL+"/api/sessions", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_owner", body.Error)
}

func TestListSessions_InvalidLimit(t *testing.T) {
	ts := newTestServer(t)

	status := getJSON(t, ts.srv.URL+"/api/sessions?owner=alice&limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))

	var sess store.Session
	status := getJSON(t, ts.srv.URL+"/api/sessions/sess-1/summary", &sess)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, sess.Summary)
	assert.Equal(t, "Debugged a docker build.", *sess.Summary)
	assert.Equal(t, []string{"docker"}, sess.Topics)
	assert.Equal(t, store.StatusCompleted, sess.Status)
}

func TestSessionSummary_NotFound(t *testing.T) {
	ts := newTestServer(t)

	var body ErrorResponse
	status := getJSON(t, ts.srv.URL+"/api/sessions/nope/summary", &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body.Error)
}

func TestRateSession(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))

	status := postJSON(t, ts.srv.URL+"/api/sessions/sess-1/rating", map[string]int{"rating": 4}, nil)
	assert.Equal(t, http.StatusOK, status)

	var sess store.Session
	getJSON(t, ts.srv.URL+"/api/sessions/sess-1/summary", &sess)
	require.NotNil(t, sess.Rating)
	assert.Equal(t, 4, *sess.Rating)

	// Re-rating overwrites.
	status = postJSON(t, ts.srv.URL+"/api/sessions/sess-1/rating", map[string]int{"rating": 2}, nil)
	assert.Equal(t, http.StatusOK, status)
	getJSON(t, ts.srv.URL+"/api/sessions/sess-1/summary", &sess)
	assert.Equal(t, 2, *sess.Rating)
}

func TestRateSession_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))

	tests := []struct {
		name   string
		url    string
		rating int
		want   int
	}{
		{"rating too high", "/api/sessions/sess-1/rating", 6, http.StatusBadRequest},
		{"rating too low", "/api/sessions/sess-1/rating", 0, http.StatusBadRequest},
		{"unknown session", "/api/sessions/nope/rating", 3, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := postJSON(t, ts.srv.URL+tt.url, map[string]int{"rating": tt.rating}, nil)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestRegenerateSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))

	var sess store.Session
	status := postJSON(t, ts.srv.URL+"/api/sessions/sess-1/summary/regenerate", nil, &sess)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sess-1", sess.ID)
}

func TestRegenerateSummary_NotFound(t *testing.T) {
	ts := newTestServer(t)

	status := postJSON(t, ts.srv.URL+"/api/sessions/nope/summary/regenerate", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRegenerateSummary_ModelFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.putSession(completedSession("sess-1", "alice"))
	ts.summ.regenerateErr = errors.New("model failed twice")

	var body ErrorResponse
	status := postJSON(t, ts.srv.URL+"/api/sessions/sess-1/summary/regenerate", nil, &body)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "summary_failed", body.Error)
}
