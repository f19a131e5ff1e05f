package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/authstream"
	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/db"
	"github.com/zulandar/waypoint/internal/profile"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Store management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Waypoint store",
		Long:  "Opens the configured store, creating the SQLite file if needed, and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Fprintf(out, "Loaded config for app %q from %s\n", e.cfg.App, configPath)
	fmt.Fprintf(out, "Store: %s\n", storeLocation(e.cfg.Store))
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nWaypoint store initialized successfully.")
	return nil
}

// allNamespaces lists every namespace the store holds.
var allNamespaces = []string{
	string(profile.NamespaceUser),
	string(profile.NamespaceFieldAgent),
	string(authstream.NamespaceAuthSession),
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		namespaces []string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete cached data from the Waypoint store",
		Long: `Deletes every entry of the given namespaces. With no --namespace flag,
all namespaces are emptied: the primary user and preferences, the field agent
and the stored auth session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, namespaces, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().StringSliceVar(&namespaces, "namespace", nil, "namespace to reset (repeatable)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, namespaces []string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	if len(namespaces) == 0 {
		namespaces = allNamespaces
	}
	for _, ns := range namespaces {
		if !knownNamespace(ns) {
			return fmt.Errorf("unknown namespace %q (known: %s)", ns, strings.Join(allNamespaces, ", "))
		}
	}

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if !skipConfirm {
		if !confirmReset(cmd, namespaces) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	n, err := db.ResetNamespaces(e.db, namespaces...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d entries from %s\n", n, strings.Join(namespaces, ", "))
	return nil
}

func knownNamespace(ns string) bool {
	for _, k := range allNamespaces {
		if k == ns {
			return true
		}
	}
	return false
}

// confirmReset prompts the user to type "yes" to confirm the reset.
func confirmReset(cmd *cobra.Command, namespaces []string) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "WARNING: This will permanently delete all cached data in %s.\n", strings.Join(namespaces, ", "))
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	line, err := readLine(cmd)
	return err == nil && line == "yes"
}

func storeLocation(s config.StoreConfig) string {
	if s.Driver == config.DriverMySQL {
		return fmt.Sprintf("mysql %s:%d/%s", s.MySQL.Host, s.MySQL.Port, s.MySQL.Database)
	}
	return "sqlite " + s.Path
}
