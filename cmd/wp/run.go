package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/diagnostics"
	"github.com/zulandar/waypoint/internal/navgate"
)

// tokenRunner drives the auth source's refresh schedule.
type tokenRunner interface {
	Run(ctx context.Context) error
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noDiag     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the session controller",
		Long: `Resolves the stored session, follows the auth status and prints each
routing decision. Serves the diagnostics API unless --no-diagnostics is set.
Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, configPath, port, noDiag)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "diagnostics port (default from config)")
	cmd.Flags().BoolVar(&noDiag, "no-diagnostics", false, "do not start the diagnostics server")
	return cmd
}

func runSession(cmd *cobra.Command, configPath string, port int, noDiag bool) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	e.applyBaseURLOverride(ctx, out)
	ctrl, tokens, err := buildSession(cmd, e)
	if err != nil {
		return err
	}
	gate, err := navgate.New(ctrl)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	spawn("session", ctrl.Run)
	spawn("auth", tokens.Run)
	if !noDiag {
		if port <= 0 {
			port = e.cfg.Diagnostics.Port
		}
		spawn("diagnostics", func(ctx context.Context) error {
			return diagnostics.Start(ctx, diagnostics.StartOpts{
				Session:  ctrl,
				Profiles: e.profiles,
				Port:     port,
				Out:      out,
			})
		})
	}

	if gate.KeepSplash() {
		fmt.Fprintln(out, "Resolving session...")
	}
	if route, err := gate.Await(ctx); err == nil {
		fmt.Fprintf(out, "Route: %s\n", route)
		last := route
		for r := range gate.Follow(ctx) {
			if r != last {
				fmt.Fprintf(out, "Route: %s\n", r)
				last = r
			}
		}
	}

	cancel()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}
