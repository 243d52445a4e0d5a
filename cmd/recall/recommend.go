package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

func NewInteractCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interact <user> <item>",
		Short: "Record that a user invoked an item",
		Args:  cobra.ExactArgs(2),
		RunE: withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			success, _ := cmd.Flags().GetBool("success")
			sessionID, _ := cmd.Flags().GetString("session")
			in := collab.Interaction{
				UserID:    args[0],
				ItemID:    args[1],
				SessionID: sessionID,
				Success:   success,
			}
			if cmd.Flags().Changed("rating") {
				rating, _ := cmd.Flags().GetFloat64("rating")
				in.Rating = &rating
			}
			if err := eng.RecordInteraction(cmd.Context(), in); err != nil {
				return fmt.Errorf("interact: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "recorded")
			return nil
		}),
	}

	cmd.Flags().Bool("success", false, "The item was completed successfully")
	cmd.Flags().Float64("rating", 0, "Rating in [0, 5]")
	cmd.Flags().String("session", "", "Session identifier")
	return cmd
}

func NewRecommendCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend [user]",
		Short: "Recommend items",
		Long:  `Recommend items completed by similar users. Without a user, print the popularity baseline.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			limit, _ := cmd.Flags().GetInt("number")

			var recs []types.Recommendation
			var err error
			if len(args) == 1 {
				recs, err = eng.Recommend(cmd.Context(), args[0], limit)
			} else {
				recs, err = eng.FallbackRecommend(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("recommend: %w", err)
			}

			if wantJSON(cmd) {
				return outputJSON(cmd, recs)
			}
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%.4f  %-20s %s (completion %.0f%%, %d users)\n",
					r.Score, r.ItemID, r.Source, r.CompletionRate*100, r.SupportingUsers)
			}
			return nil
		}),
	}

	cmd.Flags().IntP("number", "n", 10, "Maximum recommendations")
	return cmd
}
