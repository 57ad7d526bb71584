package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xor-freenet/wotfetch/internal/download"
	"github.com/xor-freenet/wotfetch/internal/store"
)

// VerifyResult holds the outcome of an integrity check.
type VerifyResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the stored scheduler state for invariant violations",
		Long: `Re-validate every stored edition hint and fetch command: field ranges,
recomputed priority keys against the stored ones, and command shape.

This is the store-only view of the startup self-test; checks that need the
live trust graph run inside the host application.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	violations, err := download.VerifyStore(cmd.Context(), st, nil)
	if err != nil {
		return err
	}

	result := VerifyResult{Valid: len(violations) == 0}
	for _, v := range violations {
		result.Violations = append(result.Violations, v.Error())
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		for _, v := range result.Violations {
			fmt.Fprintln(out, v)
		}
		if result.Valid {
			fmt.Fprintln(out, "ok: stored scheduler state is consistent")
		}
	}

	if !result.Valid {
		return fmt.Errorf("%d integrity violation(s) found", len(result.Violations))
	}
	return nil
}
