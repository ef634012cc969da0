package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
)

// SessionRecord is one finished session as persisted to history.
type SessionRecord struct {
	ID           int64         `json:"id"`
	PostID       string        `json:"post_id"`
	Outcome      retry.Outcome `json:"outcome"`
	AttemptsUsed int           `json:"attempts_used"`
	Reason       string        `json:"reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
}

// RecordSession appends a finalized session report to history.
func (s *Store) RecordSession(rep retry.Report) error {
	if s == nil || s.db == nil {
		return errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_history (post_id, outcome, attempts_used, reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rep.PostID, string(rep.Outcome), rep.AttemptsUsed, rep.Reason, rep.StartedAt.UTC(), rep.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// History returns the most recent sessions, newest first. limit <= 0 means
// a default of 50.
func (s *Store) History(limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, post_id, outcome, COALESCE(reason, ''), attempts_used, started_at, ended_at
		FROM session_history
		ORDER BY ended_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec     SessionRecord
			outcome string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.PostID,
			&outcome,
			&rec.Reason,
			&rec.AttemptsUsed,
			&rec.StartedAt,
			&rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Outcome = retry.Outcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// OutcomeCounts aggregates history by outcome.
func (s *Store) OutcomeCounts() (map[retry.Outcome]int, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM session_history GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[retry.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[retry.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}
