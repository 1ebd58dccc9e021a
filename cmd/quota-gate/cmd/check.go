package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

var (
	checkActor  string
	checkTier   string
	checkVerb   string
	checkRepeat int
)

var checkCmd = &cobra.Command{
	Use:   "check PATH",
	Short: "Evaluate requests offline against the configured registry",
	Long: `Evaluate one or more requests against the registry the server would
boot with (state.json plus the configured endpoints) without starting it.

Requests are counted in a fresh in-memory log, so --repeat shows where the
quota runs out. The state file is never written.

Examples:
  quota-gate check /api/users/42 --actor alice --tier TIER1
  quota-gate check /api/reports/daily --verb POST --tier TIER2 --repeat 150`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkActor, "actor", "cli", "actor id")
	checkCmd.Flags().StringVar(&checkTier, "tier", "", "actor tier (TIER1, TIER2, TIER3; empty for anonymous)")
	checkCmd.Flags().StringVar(&checkVerb, "verb", "GET", "HTTP verb")
	checkCmd.Flags().IntVar(&checkRepeat, "repeat", 1, "number of requests to send")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}
	tier, err := ratelimit.ParseTier(checkTier)
	if err != nil {
		return err
	}
	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}
	svc, err := openRegistry(cmd.Context(), cfg, resolveStatePath(cfg), false, quietLogger())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	allowed := 0
	for i := range checkRepeat {
		d, err := svc.Check(cmd.Context(), access.Request{
			ActorID: checkActor,
			Path:    args[0],
			Verb:    checkVerb,
			Tier:    tier,
			Now:     time.Now(),
		})
		if err != nil {
			return fmt.Errorf("request %d rejected: %w", i+1, err)
		}
		if !d.Exceeded {
			allowed++
		}
		if d.Exceeded || i == checkRepeat-1 {
			printDecision(out, i+1, d)
			break
		}
	}
	if checkRepeat > 1 {
		fmt.Fprintf(out, "%d of %d requests allowed\n", allowed, checkRepeat)
	}
	return nil
}

// printDecision writes one decision in human-readable form.
func printDecision(w io.Writer, n int, d ratelimit.Decision) {
	switch {
	case d.Unbounded:
		fmt.Fprintf(w, "request %d: allowed (no quota applies)\n", n)
	case d.Exceeded:
		fmt.Fprintf(w, "request %d: rate limited, count %d, limit %s, retry after %ds\n",
			n, d.Count.Int(), d.Limit, d.RetryAfterSeconds)
	default:
		fmt.Fprintf(w, "request %d: allowed, count %d, limit %s, %d remaining\n",
			n, d.Count.Int(), d.Limit, d.Remaining)
	}
}
