package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/profile"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the cached primary user",
	}

	cmd.AddCommand(newUserSaveCmd())
	cmd.AddCommand(newUserShowCmd())
	cmd.AddCommand(newUserClearCmd())
	return cmd
}

func newUserSaveCmd() *cobra.Command {
	var (
		configPath   string
		u            profile.PrimaryUser
		withPassword bool
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Cache the primary user handed over by the login screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserSave(cmd, configPath, u, withPassword)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().Int64Var(&u.UserID, "user-id", 0, "numeric user id (required)")
	cmd.Flags().Int64Var(&u.BranchID, "branch-id", 0, "numeric branch id (required)")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Mobile, "mobile", "", "mobile number")
	cmd.Flags().StringVar(&u.Category, "category", "", "user category")
	cmd.Flags().BoolVar(&withPassword, "with-password", false, "prompt for the password to cache")
	cmd.MarkFlagRequired("user-id")
	cmd.MarkFlagRequired("branch-id")
	return cmd
}

func runUserSave(cmd *cobra.Command, configPath string, u profile.PrimaryUser, withPassword bool) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if withPassword {
		pw, err := readSecret(cmd, "Password: ")
		if err != nil {
			return err
		}
		u.Password = pw
	}

	ctx := cmd.Context()
	if err := e.profiles.SavePrimaryUser(ctx, u); err != nil {
		return err
	}
	if err := e.profiles.SetLoggedIn(ctx, true); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved primary user %d (branch %d)\n", u.UserID, u.BranchID)
	return nil
}

func newUserShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the cached primary user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserShow(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runUserShow(cmd *cobra.Command, configPath string) error {
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	printUser(cmd.OutOrStdout(), e.profiles.ReadPrimaryUserOnce(cmd.Context()))
	return nil
}

func printUser(out io.Writer, u *profile.PrimaryUser) {
	if u == nil {
		fmt.Fprintln(out, "No primary user cached.")
		return
	}
	password := "(none)"
	if u.Password != "" {
		password = "(cached)"
	}
	fmt.Fprintf(out, "User ID:   %d\n", u.UserID)
	fmt.Fprintf(out, "Name:      %s\n", u.Name)
	fmt.Fprintf(out, "Mobile:    %s\n", u.Mobile)
	fmt.Fprintf(out, "Category:  %s\n", u.Category)
	fmt.Fprintf(out, "Branch ID: %d\n", u.BranchID)
	fmt.Fprintf(out, "Password:  %s\n", password)
}

func newUserClearCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the cached primary user",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.profiles.ClearPrimaryUser(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Primary user cleared.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

// ---------------------------------------------------------------------------
// Preferences
// ---------------------------------------------------------------------------

func newPrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change preference flags",
	}

	cmd.AddCommand(newPrefsShowCmd())
	cmd.AddCommand(newPrefsSetCmd())
	return cmd
}

func newPrefsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show preference flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			p := e.profiles.ReadPreferencesOnce(cmd.Context())
			out := cmd.OutOrStdout()
			baseURL := p.BaseURL
			if baseURL == "" {
				baseURL = "(config: " + e.cfg.Backend.BaseURL + ")"
			}
			fmt.Fprintf(out, "onboarding_completed: %t\n", p.OnboardingCompleted)
			fmt.Fprintf(out, "is_logged_in:         %t\n", p.IsLoggedIn)
			fmt.Fprintf(out, "base_url:             %s\n", baseURL)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func newPrefsSetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a preference flag",
		Long: `Sets one preference flag. Keys:
  onboarding_completed  true|false
  is_logged_in          true|false
  base_url              URL, or "" to remove the override`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrefsSet(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runPrefsSet(cmd *cobra.Command, configPath, key, value string) error {
	var set func(e *env) error
	switch key {
	case "onboarding_completed", "is_logged_in":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, value)
		}
		set = func(e *env) error {
			if key == "onboarding_completed" {
				return e.profiles.SetOnboardingCompleted(cmd.Context(), b)
			}
			return e.profiles.SetLoggedIn(cmd.Context(), b)
		}
	case "base_url":
		set = func(e *env) error { return e.profiles.SetBaseURLOverride(cmd.Context(), value) }
	default:
		return fmt.Errorf("unknown preference %q", key)
	}

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := set(e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %q\n", key, value)
	return nil
}

// ---------------------------------------------------------------------------
// Field agent
// ---------------------------------------------------------------------------

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect the cached field agent",
	}

	var configPath string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the cached field agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			printAgent(cmd.OutOrStdout(), e.profiles.ReadFieldAgentOnce(cmd.Context()))
			return nil
		},
	}
	show.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")

	cmd.AddCommand(show)
	return cmd
}

func printAgent(out io.Writer, a *profile.FieldAgent) {
	if a == nil {
		fmt.Fprintln(out, "No field agent cached.")
		return
	}
	notes := "-"
	if a.Notes != nil {
		notes = *a.Notes
	}
	fmt.Fprintf(out, "Agent ID:  %s\n", a.ID)
	fmt.Fprintf(out, "User ID:   %s\n", a.UserID)
	fmt.Fprintf(out, "Badge:     %s\n", a.BadgeID)
	fmt.Fprintf(out, "Region:    %s\n", a.Region)
	fmt.Fprintf(out, "Notes:     %s\n", notes)
	fmt.Fprintf(out, "Created:   %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:   %s\n", a.UpdatedAt.Format(time.RFC3339))
}
