package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a handle on one store transaction. All hint and command operations
// hang off it so that scheduler-state mutations commit atomically with the
// graph mutation that triggered them: either everything inside the enclosing
// Update scope commits, or nothing does.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Update runs fn inside a write transaction. If fn returns an error the
// transaction is rolled back completely and the error is returned to the
// caller who initiated it; partial scheduler state is never committed.
//
// Write transactions BEGIN IMMEDIATE (via the _txlock DSN option) so fn
// never fails midway with a lock upgrade error.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit read transaction: %w", err)
	}
	return nil
}
