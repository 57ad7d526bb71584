package store

import (
	"context"
	"testing"
)

func TestPutCommand_SupersedesSameIdentity(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t, 0x05)

	err := s.Update(context.Background(), func(tx *Tx) error {
		if err := tx.PutCommand(FetchCommand{Identity: id, Op: OpStart, Edition: 0}); err != nil {
			return err
		}
		return tx.PutCommand(FetchCommand{Identity: id, Op: OpStop, Edition: 0})
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(context.Background(), func(tx *Tx) error {
		cmds, err := tx.Commands()
		if err != nil {
			return err
		}
		if len(cmds) != 1 {
			t.Fatalf("Commands() returned %d commands, want the later one only", len(cmds))
		}
		if cmds[0].Op != OpStop {
			t.Errorf("surviving command op = %q, want %q", cmds[0].Op, OpStop)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestPutCommand_RejectsMalformed(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t, 0x05)

	err := s.Update(context.Background(), func(tx *Tx) error {
		if err := tx.PutCommand(FetchCommand{Identity: id, Op: "pause", Edition: 0}); err == nil {
			t.Error("PutCommand() accepted an invalid op")
		}
		if err := tx.PutCommand(FetchCommand{Identity: id, Op: OpStart, Edition: -1}); err == nil {
			t.Error("PutCommand() accepted a negative edition")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func TestDeleteCommand_ConsumesCommand(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t, 0x05)

	err := s.Update(context.Background(), func(tx *Tx) error {
		if err := tx.PutCommand(FetchCommand{Identity: id, Op: OpStart, Edition: 2}); err != nil {
			return err
		}
		if err := tx.DeleteCommand(id); err != nil {
			return err
		}
		if _, err := tx.Command(id); err != ErrNotFound {
			t.Errorf("Command() after delete = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func TestDeleteAllCommands(t *testing.T) {
	s := testStore(t)

	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, b := range []byte{0x01, 0x02, 0x03} {
			cmd := FetchCommand{Identity: testIdentity(t, b), Op: OpStart, Edition: 0}
			if err := tx.PutCommand(cmd); err != nil {
				return err
			}
		}
		if err := tx.DeleteAllCommands(); err != nil {
			return err
		}
		cmds, err := tx.Commands()
		if err != nil {
			return err
		}
		if len(cmds) != 0 {
			t.Errorf("Commands() after DeleteAllCommands() = %d entries, want 0", len(cmds))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}
