// Package cli implements the disintegrate administrative tool: schema
// migration, snapshot purging, listener cursor resets, and log inspection.
// The engine itself has no CLI surface; this tool only operates on the
// backing store.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/disintegrate-es/disintegrate/serde"
	"github.com/disintegrate-es/disintegrate/sqlite"
)

// NewRootCommand builds the disintegrate command tree.
func NewRootCommand() *cobra.Command {
	var (
		configPath string
		storePath  string
		logLevel   string
		cfg        Config
	)

	root := &cobra.Command{
		Use:           "disintegrate",
		Short:         "Administer a disintegrate event store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			if storePath != "" {
				cfg.Store = storePath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&storePath, "store", "", "path to the SQLite database")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCommand(&cfg),
		newSnapshotCommand(&cfg),
		newListenerCommand(&cfg),
		newLogCommand(&cfg),
	)
	return root
}

// openStore opens the configured database with an empty codec registry.
// Administrative operations never decode event payloads.
func openStore(cfg *Config) (*sqlite.Store, error) {
	return sqlite.Open(cfg.Store, serde.NewJSON())
}
