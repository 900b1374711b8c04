package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replayTenant string

var replayCmd = &cobra.Command{
	Use:   "replay <case-id>",
	Short: "Rebuild a case from its audit log and compare with the stored case",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayTenant, "tenant", "t", "", "tenant owning the case (required)")
	_ = replayCmd.MarkFlagRequired("tenant")
}

func runReplay(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.cases.Replay(cmd.Context(), replayTenant, args[0])
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Matches {
		return fmt.Errorf("case %s: audit log replays to a different state than stored", res.CaseID)
	}
	return nil
}
