package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

func NewSearchCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories",
		Long:  `Search memories tier by tier, from summaries down to conversations, stopping once the results are sufficient.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  withEngine(sess, runSearch),
	}

	cmd.Flags().StringSlice("tier", nil, "Tier to consult, in order (repeatable; default: all)")
	cmd.Flags().IntP("number", "n", 0, "Maximum results (default: configured limit)")
	cmd.Flags().StringP("category", "c", "", "Restrict to one category")
	cmd.Flags().StringSlice("context", nil, "Recent conversation turn (repeatable)")
	cmd.Flags().Bool("no-cache", false, "Bypass the query cache")
	return cmd
}

func runSearch(cmd *cobra.Command, eng *engine.Engine, args []string) error {
	tiers, _ := cmd.Flags().GetStringSlice("tier")
	limit, _ := cmd.Flags().GetInt("number")
	category, _ := cmd.Flags().GetString("category")
	turns, _ := cmd.Flags().GetStringSlice("context")
	noCache, _ := cmd.Flags().GetBool("no-cache")

	resp, err := eng.Search(cmd.Context(), engine.SearchRequest{
		Query:    strings.Join(args, " "),
		Tiers:    tiers,
		UseCache: !noCache,
		Context:  turns,
		Category: types.Category(category),
		Limit:    limit,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	for _, r := range resp.Results {
		fmt.Fprintf(out, "%.4f  %-13s %s  %s\n", r.Score, r.Tier, r.Memory.ID, firstLine(r.Memory.Content, 80))
	}
	fmt.Fprintf(out, "-- %d results from %s (%s, %d cached)\n",
		len(resp.Results), strings.Join(resp.TiersConsulted, ", "), resp.Reason, resp.CacheHits)
	return nil
}

// firstLine returns the first line of s, truncated to max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
