package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newMigrateCommand initializes or upgrades the store schema. Open applies
// pragmas and migrations, so the command only needs to connect.
func newMigrateCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the event store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.Store)
			return nil
		},
	}
}

func newSnapshotCommand(cfg *Config) *cobra.Command {
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage stored state snapshots",
	}
	snapshot.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete all stored snapshots (they rebuild lazily)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.PurgeSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d snapshot(s)\n", n)
			return nil
		},
	})
	return snapshot
}

func newListenerCommand(cfg *Config) *cobra.Command {
	listener := &cobra.Command{
		Use:   "listener",
		Short: "Manage listener cursors",
	}
	listener.AddCommand(&cobra.Command{
		Use:   "reset <id> <event-id>",
		Short: "Move a listener cursor; earlier positions replay events",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[1], err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.ResetListener(cmd.Context(), args[0], to); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listener %s reset to %d\n", args[0], to)
			return nil
		},
	})
	listener.AddCommand(&cobra.Command{
		Use:   "cursor <id>",
		Short: "Print a listener's last processed event id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			cursor, err := store.ListenerCursor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cursor)
			return nil
		},
	})
	return listener
}

func newLogCommand(cfg *Config) *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Tail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%v\t%s\n",
					e.ID, e.Type, e.Identifiers, e.InsertedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 10, "number of events to print")
	logCmd.AddCommand(tail)
	return logCmd
}
