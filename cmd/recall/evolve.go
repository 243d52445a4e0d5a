package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/notify"
	"github.com/scrypster/recall/pkg/types"
)

func NewEvolveCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evolve <category|all>",
		Short: "Reorganize a category's subcategories",
		Long: `Cluster a category's records into subcategories and record an evolution snapshot.
With --notify the request is handed to a running server instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viaServer, _ := cmd.Flags().GetBool("notify"); viaServer {
				return sendRequest(cmd, sess, notify.RequestEvolve, args[0])
			}
			return withEngine(sess, runEvolve)(cmd, args)
		},
	}

	cmd.Flags().Bool("notify", false, "Ask a running server to evolve instead")
	return cmd
}

func runEvolve(cmd *cobra.Command, eng *engine.Engine, args []string) error {
	categories := []types.Category{types.Category(args[0])}
	if args[0] == "all" {
		categories = types.Categories
	}

	var snaps []*types.EvolutionSnapshot
	var failed error
	for _, c := range categories {
		snap, err := eng.EvolveCategory(cmd.Context(), c, nil)
		if snap == nil {
			return fmt.Errorf("evolve %s: %w", c, err)
		}
		snaps = append(snaps, snap)
		if err != nil && !errors.Is(err, types.ErrInsufficientData) {
			failed = errors.Join(failed, err)
		}
	}

	if wantJSON(cmd) {
		if err := outputJSON(cmd, snaps); err != nil {
			return err
		}
	} else {
		for _, s := range snaps {
			printSnapshot(cmd, s)
		}
	}
	return failed
}

func NewDecayCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "decay <category>",
		Short: "Archive stale subcategories",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			snap, err := eng.DecayCategory(cmd.Context(), types.Category(args[0]))
			if snap == nil {
				return fmt.Errorf("decay: %w", err)
			}
			if wantJSON(cmd) {
				if jerr := outputJSON(cmd, snap); jerr != nil {
					return jerr
				}
			} else {
				printSnapshot(cmd, snap)
			}
			return err
		}),
	}
}

func NewSnapshotsCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots <category>",
		Short: "List evolution snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			limit, _ := cmd.Flags().GetInt("number")
			snaps, err := eng.Snapshots(cmd.Context(), types.Category(args[0]), limit)
			if err != nil {
				return fmt.Errorf("snapshots: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, snaps)
			}
			for _, s := range snaps {
				printSnapshot(cmd, s)
			}
			return nil
		}),
	}

	cmd.Flags().IntP("number", "n", 20, "Maximum snapshots")
	return cmd
}

func printSnapshot(cmd *cobra.Command, s *types.EvolutionSnapshot) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-17s subcategories %d -> %d  quality %.3f -> %.3f  %s\n",
		s.CreatedAt.Format("2006-01-02 15:04:05"), s.Category, s.Outcome,
		s.SubcategoriesBefore, s.SubcategoriesAfter, s.QualityBefore, s.QualityAfter, s.Message)
}

// sendRequest drops a request file for a running server.
func sendRequest(cmd *cobra.Command, sess *session, requestType, target string) error {
	cfg, err := sess.config(cmd)
	if err != nil {
		return err
	}
	if err := notify.NewEventWriter(cfg.Server.NotifyDir).Notify(requestType, target); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s request for %q\n", requestType, target)
	return nil
}
