// Package navgate turns the session destination into a routing decision for
// the splash screen and the two navigation graphs.
package navgate

import (
	"context"
	"fmt"

	"github.com/zulandar/waypoint/internal/session"
)

// Route is the navigation graph to show.
type Route int

const (
	// RouteNone means no decision yet; the splash stays up.
	RouteNone Route = iota
	RouteAuth
	RouteMain
)

func (r Route) String() string {
	switch r {
	case RouteAuth:
		return "auth"
	case RouteMain:
		return "main"
	default:
		return "none"
	}
}

// RouteFor maps a destination to its route.
func RouteFor(d session.Destination) Route {
	switch d {
	case session.Authenticated:
		return RouteMain
	case session.NotAuthenticated, session.RefreshFailure:
		return RouteAuth
	default:
		return RouteNone
	}
}

// Source is the observable destination the gate reads.
type Source interface {
	Destination() session.Destination
	Subscribe(ctx context.Context) <-chan session.Destination
}

// Gate holds the splash until the first decision and then follows the
// destination.
type Gate struct {
	src Source
}

// New creates a Gate over src.
func New(src Source) (*Gate, error) {
	if src == nil {
		return nil, fmt.Errorf("navgate: source is required")
	}
	return &Gate{src: src}, nil
}

// KeepSplash reports whether the splash must stay visible.
func (g *Gate) KeepSplash() bool {
	return g.src.Destination() == session.Initializing
}

// Await blocks until the first decision and returns its route.
func (g *Gate) Await(ctx context.Context) (Route, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for d := range g.src.Subscribe(ctx) {
		if r := RouteFor(d); r != RouteNone {
			return r, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return RouteNone, fmt.Errorf("navgate: await: %w", err)
	}
	return RouteNone, fmt.Errorf("navgate: await: destination stream closed")
}

// Follow emits the route after the first decision and on every later change
// of route until ctx is done.
func (g *Gate) Follow(ctx context.Context) <-chan Route {
	out := make(chan Route)
	go func() {
		defer close(out)
		last := RouteNone
		for d := range g.src.Subscribe(ctx) {
			r := RouteFor(d)
			if r == RouteNone || r == last {
				continue
			}
			select {
			case out <- r:
				last = r
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
