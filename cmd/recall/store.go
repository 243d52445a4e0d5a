package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

func NewStoreCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Store a memory",
		Long:  `Store content, skipping exact duplicates and merging near-duplicates into one record.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  withEngine(sess, runStore),
	}

	cmd.Flags().StringP("category", "c", "", "Category (default: general)")
	cmd.Flags().StringP("kind", "k", "", "Kind: summary, insight, reflection or conversation (default: conversation)")
	cmd.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable)")
	cmd.Flags().String("session", "", "Session identifier")
	cmd.Flags().String("source", "cli", "Source label")
	cmd.Flags().String("project", "", "Project label")
	return cmd
}

func runStore(cmd *cobra.Command, eng *engine.Engine, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	kind, _ := cmd.Flags().GetString("kind")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	sessionID, _ := cmd.Flags().GetString("session")
	source, _ := cmd.Flags().GetString("source")
	project, _ := cmd.Flags().GetString("project")

	res, err := eng.Store(cmd.Context(), engine.StoreRequest{
		Content:  strings.Join(args, " "),
		Category: types.Category(category),
		Kind:     types.Kind(kind),
		Tags:     tags,
		Metadata: types.Metadata{SessionID: sessionID, Source: source, Project: project},
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Deduplicated && len(res.MergedWith) == 1 && res.MergedWith[0] == res.ID:
		fmt.Fprintf(out, "duplicate of %s\n", res.ID)
	case res.Deduplicated:
		fmt.Fprintf(out, "stored %s (merged %s)\n", res.ID, strings.Join(res.MergedWith, ", "))
	default:
		fmt.Fprintf(out, "stored %s\n", res.ID)
	}
	if res.Degraded {
		fmt.Fprintln(out, "warning: embedding unavailable, stored without a vector")
	}
	return nil
}

func NewGetCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a memory",
		Long:  `Show a memory by ID. A record merged into another resolves to the survivor.`,
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			m, err := eng.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, m)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  [%s/%s]\n", m.ID, m.Category, m.Kind)
			if m.Subcategory != "" {
				fmt.Fprintf(out, "subcategory: %s\n", m.Subcategory)
			}
			if len(m.Tags) > 0 {
				fmt.Fprintf(out, "tags: %s\n", strings.Join(m.Tags, ", "))
			}
			fmt.Fprintln(out, m.Content)
			return nil
		}),
	}
}
