package main

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

var (
	scanTenant string
	scanScopes []string
	scanFrom   string
	scanTo     string
	scanDays   int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan over stored transactions and print the result",
	Long: `Runs every enabled detector over the transaction window, consolidates the
findings and promotes them to cases. Without --from/--to the window is the last
--days days. Without --scope every scope with transactions in the window is scanned.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanTenant, "tenant", "t", "", "tenant to scan (required)")
	scanCmd.Flags().StringSliceVarP(&scanScopes, "scope", "s", nil, "scope to scan, repeatable")
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "window start (RFC 3339)")
	scanCmd.Flags().StringVar(&scanTo, "to", "", "window end (RFC 3339)")
	scanCmd.Flags().IntVar(&scanDays, "days", 7, "window length when --from is not set")
	_ = scanCmd.MarkFlagRequired("tenant")
}

func runScan(cmd *cobra.Command, _ []string) error {
	from, to, err := scanWindow(time.Now().UTC())
	if err != nil {
		return err
	}

	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.scans.Run(cmd.Context(), scanTenant, domain.ScanRequest{
		ScopeIDs:    scanScopes,
		From:        from,
		To:          to,
		RequestedBy: "cli",
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status == domain.ScanFailed {
		return fmt.Errorf("scan %s failed: %d detector failures, %d promotion failures",
			res.RunID, len(res.Failures), len(res.PromotionFailures))
	}
	return nil
}

func scanWindow(now time.Time) (time.Time, time.Time, error) {
	to := now
	if scanTo != "" {
		t, err := time.Parse(time.RFC3339, scanTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t
	}

	if scanFrom != "" {
		from, err := time.Parse(time.RFC3339, scanFrom)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		return from, to, nil
	}
	if scanDays <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("--days must be positive")
	}
	return to.AddDate(0, 0, -scanDays), to, nil
}
