// Package store is the PostgreSQL adapter for sessions and turns.
//
// Turn ordering is owned by the database: AppendTurn assigns the next
// per-session sequence number inside a transaction that holds a
// per-session advisory lock, so concurrent writers can never interleave
// or duplicate sequence numbers within one session.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sessionCols is the standard SELECT column list for scanSession.
const sessionCols = `id, owner_id, status, start_time, end_time,
	summary, topics, sentiment, metrics, key_outcomes, rating, rated_at`

// turnCols is the standard SELECT column list for scanTurns.
const turnCols = `id, session_id, sequence_number, event_type, message, metadata, created_at`

// foreignKeyViolation is the PostgreSQL error code for FK failures,
// raised when a turn references a session that does not exist.
const foreignKeyViolation = "23503"

// Store persists sessions and turns. Safe for concurrent use; every
// session runtime shares one Store over one pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Ping reports whether the database is reachable. Used by readiness.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// GetOrCreateSession returns the session with the given id, creating it
// for ownerID when absent. The insert uses ON CONFLICT DO NOTHING, so
// two connections racing on the same new id both observe the row the
// first writer created. The returned bool reports whether this call
// created the row.
func (s *Store) GetOrCreateSession(ctx context.Context, id, ownerID string) (*Session, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, ErrEmptySessionID
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, false, ErrEmptyOwnerID
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		id, ownerID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	created := tag.RowsAffected() == 1

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, created, nil
}

// GetSession fetches one session. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// AppendTurn logs one immutable turn. The sequence number is assigned
// here, inside a transaction serialized per session by an advisory
// lock; callers never supply ordering.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, event EventType, message string, metadata map[string]any) (*Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	if !event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, event)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// Serialize concurrent appends for the same session.
	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); lockErr != nil {
		return nil, fmt.Errorf("acquiring advisory lock: %w", lockErr)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM turns WHERE session_id = $1`,
		sessionID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("assigning sequence number: %w", err)
	}

	turn := &Turn{
		SessionID:      sessionID,
		SequenceNumber: seq,
		EventType:      event,
		Message:        message,
		Metadata:       metadata,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO turns (session_id, sequence_number, event_type, message, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		sessionID, seq, string(event), message, metadata,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("inserting turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}
	return turn, nil
}

// Turns returns a session's turns oldest-first. A positive limit keeps
// only the most recent limit turns (still oldest-first); limit <= 0
// returns everything.
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+turnCols+` FROM (
			     SELECT `+turnCols+` FROM turns
			     WHERE session_id = $1
			     ORDER BY sequence_number DESC
			     LIMIT $2
			 ) recent ORDER BY sequence_number ASC`,
			sessionID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+turnCols+` FROM turns
			 WHERE session_id = $1
			 ORDER BY sequence_number ASC`,
			sessionID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// SearchTurns returns turns whose message contains keyword,
// case-insensitive, oldest-first, capped at limit.
func (s *Store) SearchTurns(ctx context.Context, sessionID, keyword string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnCols+` FROM turns
		 WHERE session_id = $1 AND message ILIKE '%' || $2 || '%'
		 ORDER BY sequence_number ASC
		 LIMIT $3`,
		sessionID, escapeLike(keyword), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// TurnStats counts a session's turns by event type in one pass.
func (s *Store) TurnStats(ctx context.Context, sessionID string) (*TurnStats, error) {
	var st TurnStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE event_type = 'user'),
		        COUNT(*) FILTER (WHERE event_type = 'ai'),
		        COUNT(*) FILTER (WHERE event_type = 'system')
		 FROM turns WHERE session_id = $1`,
		sessionID,
	).Scan(&st.Total, &st.UserTurns, &st.AITurns, &st.SystemTurns)
	if err != nil {
		return nil, fmt.Errorf("counting turns: %w", err)
	}
	return &st, nil
}

// FinalizeSession marks a session completed and writes its summary
// fields in one statement. end_time is set at most once; status never
// leaves completed. Safe to call on an already-completed session
// (regeneration overwrites the summary fields only).
func (s *Store) FinalizeSession(ctx context.Context, id string, fields SummaryFields, endTime time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2,
		     end_time = COALESCE(end_time, $3),
		     summary = $4, topics = $5, sentiment = $6, metrics = $7, key_outcomes = $8
		 WHERE id = $1`,
		id, StatusCompleted, endTime,
		textOrNil(fields.Summary), fields.Topics, textOrNil(fields.Sentiment),
		fields.Metrics, textOrNil(fields.KeyOutcomes),
	)
	if err != nil {
		return fmt.Errorf("finalizing session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveSummary overwrites summary fields without touching status or
// end_time. This is the regeneration path and is idempotent.
func (s *Store) SaveSummary(ctx context.Context, id string, fields SummaryFields) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET summary = $2, topics = $3, sentiment = $4, metrics = $5, key_outcomes = $6
		 WHERE id = $1`,
		id, textOrNil(fields.Summary), fields.Topics, textOrNil(fields.Sentiment),
		fields.Metrics, textOrNil(fields.KeyOutcomes),
	)
	if err != nil {
		return fmt.Errorf("saving summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdateRating stores a 1-5 rating with its timestamp. A second call
// overwrites the first.
func (s *Store) UpdateRating(ctx context.Context, id string, rating int, ratedAt time.Time) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET rating = $2, rated_at = $3 WHERE id = $1`,
		id, rating, ratedAt,
	)
	if err != nil {
		return fmt.Errorf("updating rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SessionsByOwner lists an owner's sessions newest-first.
func (s *Store) SessionsByOwner(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrEmptyOwnerID
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE owner_id = $1
		 ORDER BY start_time DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// scanSession scans one row in sessionCols order.
func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.Status, &sess.StartTime, &sess.EndTime,
		&sess.Summary, &sess.Topics, &sess.Sentiment, &sess.Metrics,
		&sess.KeyOutcomes, &sess.Rating, &sess.RatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// scanTurns drains rows in turnCols order.
func scanTurns(rows pgx.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(
			&t.ID, &t.SessionID, &t.SequenceNumber, &t.EventType,
			&t.Message, &t.Metadata, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}

// escapeLike neutralizes LIKE metacharacters in user-supplied keywords.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// textOrNil maps empty strings to NULL so failed summaries store NULL
// rather than empty text.
func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
