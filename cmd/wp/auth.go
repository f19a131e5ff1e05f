package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/remote"
	"github.com/zulandar/waypoint/internal/session"
)

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		username   string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the auth provider and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath, username)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().StringVarP(&username, "username", "u", "", "account user name or email (required)")
	cmd.MarkFlagRequired("username")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath, username string) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()
	e.applyBaseURLOverride(ctx, out)

	ts, err := e.tokenSource(nil)
	if err != nil {
		return err
	}
	password, err := readSecret(cmd, "Password: ")
	if err != nil {
		return err
	}
	id, err := ts.SignIn(ctx, username, password)
	if err != nil {
		return err
	}
	if err := e.profiles.SetLoggedIn(ctx, true); err != nil {
		return err
	}
	fmt.Fprintf(out, "Signed in as %s", id.UserID)
	if id.Email != "" {
		fmt.Fprintf(out, " <%s>", id.Email)
	}
	fmt.Fprintln(out)
	return nil
}

func newLogoutCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the cached profile",
		Long: `Signs out with the auth provider (best effort), then clears the cached
primary user, field agent and stored session. Preferences are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runLogout(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()
	e.applyBaseURLOverride(ctx, out)

	ctrl, _, err := buildSession(cmd, e)
	if err != nil {
		return err
	}
	if err := ctrl.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Logged out.")
	return nil
}

// buildSession wires the token source, the backend client and the session
// controller over the env's profile cache.
func buildSession(cmd *cobra.Command, e *env) (*session.Controller, tokenRunner, error) {
	ts, err := e.tokenSource(nil)
	if err != nil {
		return nil, nil, err
	}
	client, err := remote.NewClient(remote.ClientOpts{
		BaseURL:    e.cfg.Backend.BaseURL,
		APIKey:     e.cfg.Backend.APIKey,
		Timeout:    e.cfg.Backend.LookupTimeout,
		HTTPClient: ts.HTTPClient(cmd.Context()),
	})
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := session.NewController(session.Opts{
		Source:   ts,
		Profiles: e.profiles,
		Lookup:   client,
	})
	if err != nil {
		return nil, nil, err
	}
	return ctrl, ts, nil
}
