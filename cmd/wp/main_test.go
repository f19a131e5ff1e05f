package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "wp dev") {
		t.Errorf("expected output to contain 'wp dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	buf := new(bytes.Buffer)
	cmd := newVersionCmd()
	cmd.SetOut(buf)
	cmd.Run(cmd, nil)

	want := "wp 1.0.0 (commit: abc123, built: 2026-01-01)\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"version", "db", "user", "prefs", "agent", "login", "logout", "run"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{})
	code := execute(cmd)
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestExecuteError(t *testing.T) {
	cmd := &cobra.Command{
		Use:           "failing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("intentional error")
		},
	}
	if code := execute(cmd); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestConfigFlagDefaults(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"db", "init"}, {"db", "reset"}, {"user", "save"}, {"user", "show"}, {"user", "clear"},
		{"prefs", "show"}, {"prefs", "set"}, {"agent", "show"}, {"login"}, {"logout"}, {"run"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		f := cmd.Flags().Lookup("config")
		if f == nil {
			t.Errorf("%v: missing --config flag", path)
			continue
		}
		if f.Shorthand != "c" || f.DefValue != "waypoint.yaml" {
			t.Errorf("%v: --config = -%s %q", path, f.Shorthand, f.DefValue)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers shared by the command tests
// ---------------------------------------------------------------------------

// writeConfig writes a config pointing at a fresh SQLite file and returns its
// path.
func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`app: fieldtrack
store:
  driver: sqlite
  path: %s
backend:
  base_url: %s
  api_key: anon-key
  lookup_timeout: 2s
`, filepath.Join(dir, "waypoint.db"), baseURL)
	path := filepath.Join(dir, "waypoint.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// runWP executes the root command with args and stdin and returns the output.
func runWP(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustRunWP(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := runWP(t, stdin, args...)
	if err != nil {
		t.Fatalf("wp %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}
