package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xor-freenet/wotfetch/internal/store"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all pending edition hints and fetch commands",
		Long: `Clear the scheduler's pending state. Integrity-repair use only: the
next trust-list fetches rebuild hints, and eligibility changes rebuild
commands, so nothing is permanently lost - but pending work is dropped.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return runReset(rootOpts, cmd)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm discarding all pending state")
	return cmd
}

func runReset(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var hints, commands int
	err = st.Update(cmd.Context(), func(tx *store.Tx) error {
		var err error
		if hints, err = tx.CountHints(); err != nil {
			return err
		}
		cmds, err := tx.Commands()
		if err != nil {
			return err
		}
		commands = len(cmds)

		if err := tx.DeleteAllHints(); err != nil {
			return err
		}
		return tx.DeleteAllCommands()
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "discarded %d hint(s) and %d command(s)\n", hints, commands)
	return nil
}
