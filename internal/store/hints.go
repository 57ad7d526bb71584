package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xor-freenet/wotfetch/internal/priority"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// ErrNotFound is returned by lookups when no matching row exists.
var ErrNotFound = errors.New("not found")

// PutHint upserts a hint together with its precomputed priority key.
// An existing hint for the same (source, target) pair is replaced, which
// keeps the one-hint-per-pair invariant without a separate existence check.
func (t *Tx) PutHint(h priority.EditionHint, key priority.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("put hint: %w", err)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO edition_hints
		(source_id, target_id, hint_day, capacity, score_sign, edition, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET
			hint_day = excluded.hint_day,
			capacity = excluded.capacity,
			score_sign = excluded.score_sign,
			edition = excluded.edition,
			priority = excluded.priority
	`,
		string(h.Source),
		string(h.Target),
		h.Date.Unix(),
		h.Capacity,
		int(h.ScoreSign),
		h.Edition,
		[]byte(key),
	)
	if err != nil {
		return fmt.Errorf("put hint: %w", err)
	}
	return nil
}

// DeleteHint removes the hint for the given (source, target) pair, if any.
func (t *Tx) DeleteHint(source, target wot.IdentityID) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM edition_hints WHERE source_id = ? AND target_id = ?",
		string(source), string(target))
	if err != nil {
		return fmt.Errorf("delete hint: %w", err)
	}
	return nil
}

// DeleteHintsBySource removes every hint the given identity provided.
// Used when the source is deleted or loses its hint-providing capacity.
// Returns the targets of the removed hints so callers can re-evaluate their
// eligibility.
func (t *Tx) DeleteHintsBySource(source wot.IdentityID) ([]wot.IdentityID, error) {
	targets, err := t.hintColumn(
		"SELECT target_id FROM edition_hints WHERE source_id = ?", string(source))
	if err != nil {
		return nil, fmt.Errorf("delete hints by source: %w", err)
	}

	if _, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM edition_hints WHERE source_id = ?", string(source)); err != nil {
		return nil, fmt.Errorf("delete hints by source: %w", err)
	}
	return targets, nil
}

// DeleteHintsByTarget removes every hint about the given identity.
// Used when the target is deleted or becomes ineligible for fetching.
func (t *Tx) DeleteHintsByTarget(target wot.IdentityID) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM edition_hints WHERE target_id = ?", string(target))
	if err != nil {
		return fmt.Errorf("delete hints by target: %w", err)
	}
	return nil
}

// DeleteHintsUpTo removes hints about target whose edition is <= edition.
// Called when an edition has been durably applied: everything at or below it
// is obsolete, while strictly newer hints stay pending.
func (t *Tx) DeleteHintsUpTo(target wot.IdentityID, edition int64) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM edition_hints WHERE target_id = ? AND edition <= ?",
		string(target), edition)
	if err != nil {
		return fmt.Errorf("delete hints up to edition %d: %w", edition, err)
	}
	return nil
}

// DeleteAllHints empties the hint table. Diagnostic/integrity-repair use.
func (t *Tx) DeleteAllHints() error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM edition_hints"); err != nil {
		return fmt.Errorf("delete all hints: %w", err)
	}
	return nil
}

// HighestPriorityHint returns the pending hint with the lexicographically
// largest priority key - the one to fetch next. Returns ErrNotFound when no
// hints are pending.
//
// The ORDER BY runs on the single-column priority index; this query is the
// reason the key exists.
func (t *Tx) HighestPriorityHint() (priority.EditionHint, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT source_id, target_id, hint_day, capacity, score_sign, edition
		FROM edition_hints
		ORDER BY priority DESC
		LIMIT 1
	`)
	h, err := scanHint(row)
	if err == sql.ErrNoRows {
		return priority.EditionHint{}, ErrNotFound
	}
	if err != nil {
		return priority.EditionHint{}, fmt.Errorf("highest priority hint: %w", err)
	}
	return h, nil
}

// Hint returns the hint for the given (source, target) pair.
// Returns ErrNotFound if none is stored.
func (t *Tx) Hint(source, target wot.IdentityID) (priority.EditionHint, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT source_id, target_id, hint_day, capacity, score_sign, edition
		FROM edition_hints
		WHERE source_id = ? AND target_id = ?
	`, string(source), string(target))
	h, err := scanHint(row)
	if err == sql.ErrNoRows {
		return priority.EditionHint{}, ErrNotFound
	}
	if err != nil {
		return priority.EditionHint{}, fmt.Errorf("hint lookup: %w", err)
	}
	return h, nil
}

// HintsByTarget returns all pending hints about the given identity, best
// first. Returns an empty slice (not nil) when there are none.
func (t *Tx) HintsByTarget(target wot.IdentityID) ([]priority.EditionHint, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT source_id, target_id, hint_day, capacity, score_sign, edition
		FROM edition_hints
		WHERE target_id = ?
		ORDER BY priority DESC
	`, string(target))
	if err != nil {
		return nil, fmt.Errorf("hints by target: %w", err)
	}
	defer rows.Close()

	return collectHints(rows)
}

// CountHints returns the number of pending hints.
func (t *Tx) CountHints() (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx,
		"SELECT COUNT(*) FROM edition_hints").Scan(&n); err != nil {
		return 0, fmt.Errorf("count hints: %w", err)
	}
	return n, nil
}

// ForEachHint iterates all hints together with their stored priority keys in
// priority order. Used by the integrity check to re-verify stored state.
func (t *Tx) ForEachHint(fn func(h priority.EditionHint, stored priority.Key) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT source_id, target_id, hint_day, capacity, score_sign, edition, priority
		FROM edition_hints
		ORDER BY priority DESC
	`)
	if err != nil {
		return fmt.Errorf("iterate hints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			source, target string
			day            int64
			capacity       int
			sign           int
			edition        int64
			key            []byte
		)
		if err := rows.Scan(&source, &target, &day, &capacity, &sign, &edition, &key); err != nil {
			return fmt.Errorf("scan hint: %w", err)
		}
		h := hintFromRow(source, target, day, capacity, sign, edition)
		if err := fn(h, priority.Key(key)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate hints: %w", err)
	}
	return nil
}

// hintColumn collects a single identity-ID column of a query.
func (t *Tx) hintColumn(query string, args ...any) ([]wot.IdentityID, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []wot.IdentityID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, wot.IdentityID(id))
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHint(row rowScanner) (priority.EditionHint, error) {
	var (
		source, target string
		day            int64
		capacity       int
		sign           int
		edition        int64
	)
	if err := row.Scan(&source, &target, &day, &capacity, &sign, &edition); err != nil {
		return priority.EditionHint{}, err
	}
	return hintFromRow(source, target, day, capacity, sign, edition), nil
}

func hintFromRow(source, target string, day int64, capacity, sign int, edition int64) priority.EditionHint {
	return priority.EditionHint{
		Source:    wot.IdentityID(source),
		Target:    wot.IdentityID(target),
		Date:      time.Unix(day, 0).UTC(),
		Capacity:  capacity,
		ScoreSign: wot.ScoreSign(sign),
		Edition:   edition,
	}
}

func collectHints(rows *sql.Rows) ([]priority.EditionHint, error) {
	hints := []priority.EditionHint{}
	for rows.Next() {
		h, err := scanHint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hint: %w", err)
		}
		hints = append(hints, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hints: %w", err)
	}
	return hints, nil
}
