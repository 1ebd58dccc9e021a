package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/quotagate/internal/config"
)

var (
	resetIncludeAudit   bool
	resetIncludeArchive bool
	resetForce          bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset quota-gate to a clean state",
	Long: `Reset quota-gate by removing persistent state files.

By default, only state.json (and its backup) is removed. This clears every
endpoint and quota change made through the admin API. On next start the
registry is seeded from the YAML config again.

Optional flags:
  --include-audit     Also remove the audit log file (audit.output file://)
  --include-archive   Also remove the SQLite access-log archive
  --force             Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  quota-gate reset

  # Reset everything without prompting
  quota-gate reset --include-audit --include-archive --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeAudit, "include-audit", false, "Also remove the audit log file")
	resetCmd.Flags().BoolVar(&resetIncludeArchive, "include-archive", false, "Also remove the SQLite access-log archive")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

// resetTarget is one file removed by reset.
type resetTarget struct {
	path string
	desc string
}

// resetTargets lists the files reset would remove, existing or not.
func resetTargets(cfg *config.Config, statePath string, includeAudit, includeArchive bool) []resetTarget {
	targets := []resetTarget{
		{statePath, "state file"},
		{statePath + ".bak", "state backup"},
		{statePath + ".lock", "state lock"},
	}
	if includeAudit {
		if path := parseFileURI(cfg.Audit.Output); path != "" {
			targets = append(targets, resetTarget{path, "audit log"})
		}
		if dir, ok := strings.CutPrefix(cfg.Audit.Output, "dir://"); ok && dir != "" {
			targets = append(targets, resetTarget{dir, "audit journal directory"})
		}
	}
	if includeArchive && cfg.AccessLog.SQLitePath != "" {
		db := cfg.AccessLog.SQLitePath
		targets = append(targets,
			resetTarget{db, "access-log archive"},
			resetTarget{db + "-wal", "access-log archive WAL"},
			resetTarget{db + "-shm", "access-log archive shared memory"},
		)
	}
	return targets
}

func runReset(cmd *cobra.Command, args []string) error {
	// A broken config must not block a reset; fall back to defaults.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	statePath := resolveStatePath(cfg)

	var existing []resetTarget
	for _, t := range resetTargets(cfg, statePath, resetIncludeAudit, resetIncludeArchive) {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	errOut := cmd.ErrOrStderr()
	if len(existing) == 0 {
		fmt.Fprintln(errOut, "Nothing to reset, no state files found.")
		return nil
	}

	fmt.Fprintln(errOut, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(errOut, "  - %s (%s)\n", t.path, t.desc)
	}

	if !resetForce && !confirm(cmd.InOrStdin(), errOut, "\nProceed? [y/N] ") {
		fmt.Fprintln(errOut, "Aborted.")
		return nil
	}

	failed := 0
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(errOut, "  ERROR removing %s: %v\n", t.path, err)
			failed++
		} else {
			fmt.Fprintf(errOut, "  Removed %s\n", t.path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be removed", failed)
	}

	fmt.Fprintln(errOut, "\nReset complete. quota-gate will start fresh on next launch.")
	return nil
}

// confirm prints prompt and reports whether the answer was y or Y.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.TrimSpace(answer)
	return answer == "y" || answer == "Y"
}
