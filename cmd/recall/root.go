package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/app"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/notify"
)

// session lazily loads the config and opens the engine once per process.
type session struct {
	mu  sync.Mutex
	cfg *config.Config
	app *app.App
}

func newSession() *session {
	return &session{}
}

func (s *session) config(cmd *cobra.Command) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configLocked(cmd)
}

func (s *session) configLocked(cmd *cobra.Command) (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("RECALL_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return cfg, nil
}

func (s *session) engine(cmd *cobra.Command) (*engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app != nil {
		return s.app.Engine, nil
	}
	cfg, err := s.configLocked(cmd)
	if err != nil {
		return nil, err
	}
	// Writes made here reach a running server's cache as requests.
	a, err := app.Open(cmd.Context(), cfg, notify.NewForwarder(cfg.Server.NotifyDir))
	if err != nil {
		return nil, err
	}
	s.app = a
	return a.Engine, nil
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app == nil {
		return
	}
	if err := s.app.Close(); err != nil {
		log.Printf("WARNING: closing store: %v", err)
	}
	s.app = nil
}

func NewRootCmd(version string, sess *session) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "recall",
		Short:         "Memory retrieval and self-organizing knowledge engine",
		Long:          `Store, deduplicate, search and organize memories, and recommend what worked for similar users.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)

	if sess != nil {
		addSubcommands(rootCmd, sess)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to a YAML config file (default: $RECALL_CONFIG)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func addSubcommands(root *cobra.Command, sess *session) {
	root.AddCommand(
		NewStoreCmd(sess),
		NewGetCmd(sess),
		NewSearchCmd(sess),
		NewEvolveCmd(sess),
		NewDecayCmd(sess),
		NewSnapshotsCmd(sess),
		NewInteractCmd(sess),
		NewRecommendCmd(sess),
		NewInvalidateCmd(sess),
		NewBackupCmd(sess),
	)
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withEngine adapts a runner that needs the engine into a cobra RunE.
func withEngine(sess *session, run func(cmd *cobra.Command, eng *engine.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		eng, err := sess.engine(cmd)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		return run(cmd, eng, args)
	}
}
