package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/authstream"
	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/db"
	"github.com/zulandar/waypoint/internal/kvstore"
	"github.com/zulandar/waypoint/internal/profile"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const defaultConfigPath = "waypoint.yaml"

// env is everything a command needs from the on-device store.
type env struct {
	cfg      *config.Config
	db       *gorm.DB
	store    *kvstore.DBStore
	profiles *profile.Repository
}

// openEnv loads the config, opens and migrates the store and builds the
// profile cache over it.
func openEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}
	store, err := kvstore.New(gormDB)
	if err != nil {
		db.Close(gormDB)
		return nil, err
	}
	profiles, err := profile.NewRepository(store)
	if err != nil {
		db.Close(gormDB)
		return nil, err
	}
	return &env{cfg: cfg, db: gormDB, store: store, profiles: profiles}, nil
}

func (e *env) Close() error { return db.Close(e.db) }

// applyBaseURLOverride points the config at the stored base URL override,
// when one is set.
func (e *env) applyBaseURLOverride(ctx context.Context, out io.Writer) {
	override := e.profiles.ReadPreferencesOnce(ctx).BaseURL
	if override == "" || override == e.cfg.Backend.BaseURL {
		return
	}
	e.cfg = e.cfg.WithBaseURL(override)
	fmt.Fprintf(out, "Using base URL override %s\n", e.cfg.Backend.BaseURL)
}

// tokenSource builds the OAuth2 token source persisted in the store.
func (e *env) tokenSource(client *http.Client) (*authstream.TokenSource, error) {
	tokens, err := authstream.NewKVTokenStore(e.store)
	if err != nil {
		return nil, err
	}
	return authstream.NewTokenSource(authstream.TokenSourceOpts{
		ClientID:        e.cfg.Auth.ClientID,
		TokenURL:        e.cfg.Auth.TokenURL,
		LogoutURL:       e.cfg.Auth.LogoutURL,
		Store:           tokens,
		RefreshSchedule: e.cfg.Auth.RefreshCron,
		HTTPClient:      client,
	})
}

// readSecret prompts for a secret. On a terminal the input is not echoed;
// otherwise one line is read from the command's input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := readLine(cmd)
	fmt.Fprintln(out)
	return line, err
}

// readLine reads one trimmed line from the command's input.
func readLine(cmd *cobra.Command) (string, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return "", fmt.Errorf("read input: no input")
}
