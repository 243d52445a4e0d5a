package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/backup"
	"github.com/scrypster/recall/internal/config"
)

func NewBackupCmd(sess *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up and restore the SQLite database",
		Long: `Take verified point-in-time copies of the SQLite database, list them, and restore one.
Old backups are pruned on a tiered schedule after each new one.`,
	}

	cmd.AddCommand(
		newBackupCreateCmd(sess),
		newBackupListCmd(sess),
		newBackupRestoreCmd(sess),
		newBackupStatusCmd(sess),
	)
	return cmd
}

func newBackupCreateCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Take a backup now",
		Args:  cobra.NoArgs,
		RunE: withBackups(sess, func(cmd *cobra.Command, svc *backup.Service, _ *config.Config, _ []string) error {
			result, err := svc.Run(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s (%s, %v", result.Path, humanBytes(result.Size), result.Duration.Round(time.Millisecond))
			if result.Verified {
				fmt.Fprint(cmd.OutOrStdout(), ", verified")
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			if result.Pruned > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired backups\n", result.Pruned)
			}
			return nil
		}),
	}
}

func newBackupListCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: withBackups(sess, func(cmd *cobra.Command, svc *backup.Service, _ *config.Config, _ []string) error {
			backups, err := svc.List()
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				if backups == nil {
					backups = []backup.Info{}
				}
				return outputJSON(cmd, backups)
			}
			if len(backups) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no backups in %s\n", svc.Dir())
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAKEN\tSIZE\tFILE")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Taken.Local().Format(time.DateTime), humanBytes(b.Size), b.Path)
			}
			return tw.Flush()
		}),
	}
}

func newBackupRestoreCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup|latest>",
		Short: "Replace the database with a backup",
		Long: `Replace the database with a backup, given by file name, path, or "latest".
Stop the server first: nothing may have the database open during a restore.`,
		Args: cobra.ExactArgs(1),
		RunE: withBackups(sess, func(cmd *cobra.Command, svc *backup.Service, cfg *config.Config, args []string) error {
			path, err := svc.Resolve(args[0])
			if err != nil {
				return err
			}
			if err := svc.Restore(cmd.Context(), path); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, map[string]string{"restored": path, "database": cfg.SQLitePath()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", cfg.SQLitePath(), path)
			return nil
		}),
	}
}

func newBackupStatusCmd(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the backup directory",
		Args:  cobra.NoArgs,
		RunE: withBackups(sess, func(cmd *cobra.Command, svc *backup.Service, cfg *config.Config, _ []string) error {
			st, err := svc.Status(cfg.Backup.Interval)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d backups, %s in %s)\n", st.Status, st.Message, st.Count, humanBytes(st.Bytes), st.Dir)
			return nil
		}),
	}
}

// withBackups adapts a runner that needs the backup service. The engine is
// never opened so a restore does not race an open store.
func withBackups(sess *session, run func(cmd *cobra.Command, svc *backup.Service, cfg *config.Config, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := sess.config(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.Engine != config.EngineSQLite {
			return errors.New("backups cover the sqlite storage engine only; use pg_dump for postgres")
		}
		svc, err := backup.New(cfg.Backups())
		if err != nil {
			return err
		}
		return run(cmd, svc, cfg, args)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
