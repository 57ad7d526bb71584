package store

import (
	"database/sql"
	"fmt"

	"github.com/xor-freenet/wotfetch/internal/wot"
)

// CommandOp is what a fetch command asks a downloader to do.
type CommandOp string

const (
	// OpStart requests that downloading of the identity begins at the
	// command's edition.
	OpStart CommandOp = "start"
	// OpStop requests that any running download of the identity is aborted.
	OpStop CommandOp = "stop"
)

// FetchCommand is a pending request to start or stop downloading an
// identity. Keyed by identity: a later command for the same identity
// supersedes the earlier one. Commands are consumed (deleted) once the
// downloader has started or stopped the matching network operation.
type FetchCommand struct {
	Identity wot.IdentityID
	Op       CommandOp
	Edition  int64
}

// PutCommand upserts a command, superseding any stored one for the same
// identity.
func (t *Tx) PutCommand(cmd FetchCommand) error {
	if cmd.Op != OpStart && cmd.Op != OpStop {
		return fmt.Errorf("put command: invalid op %q", cmd.Op)
	}
	if cmd.Edition < 0 {
		return fmt.Errorf("put command: invalid edition %d", cmd.Edition)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO fetch_commands (identity_id, op, edition)
		VALUES (?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			op = excluded.op,
			edition = excluded.edition
	`, string(cmd.Identity), string(cmd.Op), cmd.Edition)
	if err != nil {
		return fmt.Errorf("put command: %w", err)
	}
	return nil
}

// Command returns the pending command for the given identity.
// Returns ErrNotFound if none is stored.
func (t *Tx) Command(id wot.IdentityID) (FetchCommand, error) {
	row := t.tx.QueryRowContext(t.ctx,
		"SELECT identity_id, op, edition FROM fetch_commands WHERE identity_id = ?",
		string(id))

	var (
		identity, op string
		edition      int64
	)
	err := row.Scan(&identity, &op, &edition)
	if err == sql.ErrNoRows {
		return FetchCommand{}, ErrNotFound
	}
	if err != nil {
		return FetchCommand{}, fmt.Errorf("command lookup: %w", err)
	}
	return FetchCommand{
		Identity: wot.IdentityID(identity),
		Op:       CommandOp(op),
		Edition:  edition,
	}, nil
}

// DeleteCommand removes the pending command for the given identity, if any.
func (t *Tx) DeleteCommand(id wot.IdentityID) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM fetch_commands WHERE identity_id = ?", string(id))
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	return nil
}

// Commands returns all pending commands in identity order.
// Returns an empty slice (not nil) when there are none.
func (t *Tx) Commands() ([]FetchCommand, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT identity_id, op, edition
		FROM fetch_commands
		ORDER BY identity_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	cmds := []FetchCommand{}
	for rows.Next() {
		var (
			identity, op string
			edition      int64
		)
		if err := rows.Scan(&identity, &op, &edition); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, FetchCommand{
			Identity: wot.IdentityID(identity),
			Op:       CommandOp(op),
			Edition:  edition,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return cmds, nil
}

// DeleteAllCommands empties the command table. Diagnostic/integrity-repair
// use.
func (t *Tx) DeleteAllCommands() error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM fetch_commands"); err != nil {
		return fmt.Errorf("delete all commands: %w", err)
	}
	return nil
}
