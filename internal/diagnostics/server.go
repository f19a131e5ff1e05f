// Package diagnostics serves a local HTTP view of the session controller and
// the profile cache.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/profile"
	"github.com/zulandar/waypoint/internal/session"
)

// DefaultPort is used when StartOpts.Port is unset.
const DefaultPort = 8088

// Session is the controller surface the server exposes.
type Session interface {
	Diagnostics() session.Diagnostics
	Subscribe(ctx context.Context) <-chan session.Destination
	Logout(ctx context.Context) error
	RefreshFieldAgent(ctx context.Context) error
}

// Profiles is the read side of the profile cache.
type Profiles interface {
	ReadPrimaryUserOnce(ctx context.Context) *profile.PrimaryUser
	ReadFieldAgentOnce(ctx context.Context) *profile.FieldAgent
	ReadPreferencesOnce(ctx context.Context) profile.Preferences
}

// StartOpts holds configuration for the diagnostics server.
type StartOpts struct {
	Session  Session
	Profiles Profiles
	Port     int
	Out      io.Writer
}

// Start launches the diagnostics HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Session == nil {
		return fmt.Errorf("diagnostics: session is required")
	}
	if opts.Profiles == nil {
		return fmt.Errorf("diagnostics: profiles is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.Session, opts.Profiles)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Diagnostics at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diagnostics: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every diagnostics route.
func NewRouter(s Session, p Profiles) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, s, p)
	return router
}
