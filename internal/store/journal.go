package store

import (
	"context"
	"fmt"

	"github.com/roach88/asyncgraph/internal/opunit"
)

// JournalEntry is one applied mutation.
type JournalEntry struct {
	Unit      opunit.ID `json:"op_unit"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	ElementID string    `json:"element_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// ReadJournal returns every journal entry.
// Results are ordered by seq, then by operation unit bytes.
func (s *Store) ReadJournal(ctx context.Context) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_unit, seq, kind, element_id, actor
		FROM mutation_journal
		ORDER BY seq ASC, op_unit ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.Unit, &e.Seq, &e.Kind, &e.ElementID, &e.Actor); err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// JournalLen returns the number of journal entries.
func (s *Store) JournalLen(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal length: %w", err)
	}
	return n, nil
}
