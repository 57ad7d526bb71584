package download

import (
	"context"
	"fmt"

	"github.com/xor-freenet/wotfetch/internal/priority"
	"github.com/xor-freenet/wotfetch/internal/store"
	"github.com/xor-freenet/wotfetch/internal/wot"
)

// IntegrityError describes one invariant violation found in the stored
// scheduler state. It includes structured fields for diagnostics.
type IntegrityError struct {
	// Code identifies the violation category.
	Code IntegrityErrorCode

	// Source and Target locate the offending hint; commands only set
	// Target.
	Source wot.IdentityID
	Target wot.IdentityID

	Message string
}

// IntegrityErrorCode categorizes integrity violations.
type IntegrityErrorCode string

const (
	// ErrCodeInvalidHint indicates a stored hint with out-of-range fields.
	ErrCodeInvalidHint IntegrityErrorCode = "INVALID_HINT"

	// ErrCodeKeyMismatch indicates a stored priority key that does not
	// match the key recomputed from the hint's fields.
	ErrCodeKeyMismatch IntegrityErrorCode = "KEY_MISMATCH"

	// ErrCodeObsoleteHint indicates a hint whose edition is not newer than
	// the target's last fetched edition.
	ErrCodeObsoleteHint IntegrityErrorCode = "OBSOLETE_HINT"

	// ErrCodeInvalidCommand indicates a stored command with out-of-range
	// fields.
	ErrCodeInvalidCommand IntegrityErrorCode = "INVALID_COMMAND"
)

func (e *IntegrityError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s (source=%s, target=%s)", e.Code, e.Message, e.Source, e.Target)
	}
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (target=%s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// VerifyStore re-validates every stored hint and command: field ranges,
// recomputed priority keys against the stored ones, and - when a graph is
// available - that each hint is strictly newer than its target's last
// fetched edition. It returns every violation found; a non-empty result is
// meant to fail startup or a self-test rather than be ignored.
//
// graph may be nil for a store-only check (the operator CLI runs without
// the host application).
func VerifyStore(ctx context.Context, st *store.Store, graph wot.TrustGraph) ([]*IntegrityError, error) {
	var violations []*IntegrityError

	err := st.View(ctx, func(tx *store.Tx) error {
		err := tx.ForEachHint(func(h priority.EditionHint, stored priority.Key) error {
			if err := h.Validate(); err != nil {
				violations = append(violations, &IntegrityError{
					Code:    ErrCodeInvalidHint,
					Source:  h.Source,
					Target:  h.Target,
					Message: err.Error(),
				})
				return nil
			}
			want, err := priority.ComputeKey(h, st.Pad())
			if err != nil {
				return err
			}
			if want.Compare(stored) != 0 {
				violations = append(violations, &IntegrityError{
					Code:    ErrCodeKeyMismatch,
					Source:  h.Source,
					Target:  h.Target,
					Message: fmt.Sprintf("stored key %s, recomputed %s", stored, want),
				})
			}
			if graph != nil {
				if identity, ok := graph.Identity(h.Target); ok && h.Edition <= identity.LastFetchedEdition {
					violations = append(violations, &IntegrityError{
						Code:   ErrCodeObsoleteHint,
						Source: h.Source,
						Target: h.Target,
						Message: fmt.Sprintf("hint edition %d not newer than last fetched %d",
							h.Edition, identity.LastFetchedEdition),
					})
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		cmds, err := tx.Commands()
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			if !cmd.Identity.Valid() || cmd.Edition < 0 ||
				(cmd.Op != store.OpStart && cmd.Op != store.OpStop) {
				violations = append(violations, &IntegrityError{
					Code:    ErrCodeInvalidCommand,
					Target:  cmd.Identity,
					Message: fmt.Sprintf("op %q, edition %d", cmd.Op, cmd.Edition),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying store: %w", err)
	}
	return violations, nil
}
