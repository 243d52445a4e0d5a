package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/notify"
)

func NewInvalidateCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate [scope]",
		Short: "Evict cached search results",
		Long: `Evict cached search results. scope is "all" (the default), a tier name, or id:<record id>.
The local run also asks a running server to drop the same scope from its
in-memory tier. --notify only asks the server and leaves the store closed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := "all"
			if len(args) == 1 {
				scope = args[0]
			}
			if viaServer, _ := cmd.Flags().GetBool("notify"); viaServer {
				return sendRequest(cmd, sess, notify.RequestInvalidateCache, scope)
			}
			return withEngine(sess, func(cmd *cobra.Command, eng *engine.Engine, _ []string) error {
				removed, err := eng.InvalidateCache(cmd.Context(), scope)
				if err != nil {
					return fmt.Errorf("invalidate: %w", err)
				}
				if wantJSON(cmd) {
					return outputJSON(cmd, map[string]any{"scope": scope, "removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", removed)
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().Bool("notify", false, "Ask a running server to invalidate instead")
	return cmd
}
