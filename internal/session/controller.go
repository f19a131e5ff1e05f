// Package session derives the start destination from the authentication
// stream and keeps the profile cache in step with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/waypoint/internal/authstream"
	"github.com/zulandar/waypoint/internal/profile"
)

// ErrNotAuthenticated is returned by operations that need a signed-in
// identity when there is none.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// ErrSessionChanged is returned by RefreshFieldAgent when the session moved on
// while the lookup was in flight and its result was discarded.
var ErrSessionChanged = errors.New("session: session changed during lookup")

// Destination is the derived start destination. It is never persisted.
type Destination int

const (
	Initializing Destination = iota
	Authenticated
	NotAuthenticated
	RefreshFailure
)

func (d Destination) String() string {
	switch d {
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case NotAuthenticated:
		return "not_authenticated"
	case RefreshFailure:
		return "refresh_failure"
	default:
		return "unknown"
	}
}

// MarshalText renders the destination by name in JSON.
func (d Destination) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Profiles is the slice of the profile cache the controller writes.
type Profiles interface {
	SaveFieldAgent(ctx context.Context, a profile.FieldAgent) error
	ClearFieldAgent(ctx context.Context) error
	ClearPrimaryUser(ctx context.Context) error
	SetLoggedIn(ctx context.Context, loggedIn bool) error
}

// Lookup fetches the field agent owned by an identity. A nil agent with a nil
// error means the identity has no agent.
type Lookup interface {
	LookupFieldAgent(ctx context.Context, id authstream.Identity) (*profile.FieldAgent, error)
}

// Lookup outcomes recorded in Diagnostics.
const (
	LookupSaved     = "saved"
	LookupCleared   = "cleared"
	LookupFailed    = "failed"
	LookupDiscarded = "discarded"
)

// Diagnostics is a point-in-time view of the controller.
type Diagnostics struct {
	Destination     Destination          `json:"destination"`
	LastEvent       string               `json:"last_event,omitempty"`
	LastEventAt     time.Time            `json:"last_event_at,omitzero"`
	RefreshFailures int                  `json:"refresh_failures"`
	Identity        *authstream.Identity `json:"identity,omitempty"`
	LookupTag       string               `json:"lookup_tag,omitempty"`
	LookupInFlight  bool                 `json:"lookup_in_flight"`
	LastLookup      string               `json:"last_lookup,omitempty"`
	LastLookupError string               `json:"last_lookup_error,omitempty"`
	LastLookupAt    time.Time            `json:"last_lookup_at,omitzero"`
}

// Controller is the session state machine. One instance lives for the whole
// process.
type Controller struct {
	source   authstream.Source
	profiles Profiles
	lookup   Lookup
	now      func() time.Time

	// commitMu is held while a lookup result is checked against the current
	// tag and written, and while the tag is replaced. A write from a stale
	// lookup therefore can never land after a logout clear.
	commitMu sync.Mutex

	mu        sync.Mutex
	running   bool
	baseCtx   context.Context
	dest      Destination
	identity  *authstream.Identity
	tag       string
	cancel    context.CancelFunc
	inFlight  map[string]struct{}
	subs      map[chan struct{}]struct{}
	lastEvent *authstream.Kind
	lastAt    time.Time
	failures  int
	lastLook  string
	lastErr   string
	lastLookT time.Time
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Source   authstream.Source
	Profiles Profiles
	Lookup   Lookup
	Now      func() time.Time // defaults to time.Now
}

// NewController creates a Controller in the Initializing state.
func NewController(opts Opts) (*Controller, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("session: controller: source is required")
	}
	if opts.Profiles == nil {
		return nil, fmt.Errorf("session: controller: profiles is required")
	}
	if opts.Lookup == nil {
		return nil, fmt.Errorf("session: controller: lookup is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		source:   opts.Source,
		profiles: opts.Profiles,
		lookup:   opts.Lookup,
		now:      now,
		baseCtx:  context.Background(),
		dest:     Initializing,
		inFlight: make(map[string]struct{}),
		subs:     make(map[chan struct{}]struct{}),
	}, nil
}

// Run subscribes to the source and applies every status in order until ctx
// is done or the stream closes. Any in-flight lookup is cancelled on return.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("session: controller: already running")
	}
	c.running = true
	c.baseCtx = ctx
	c.mu.Unlock()

	defer func() {
		c.commitMu.Lock()
		c.mu.Lock()
		c.invalidateLocked()
		c.running = false
		c.baseCtx = context.Background()
		c.mu.Unlock()
		c.commitMu.Unlock()
	}()

	statuses := c.source.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			c.apply(st)
		}
	}
}

// apply performs one transition.
func (c *Controller) apply(st authstream.Status) {
	c.mu.Lock()
	kind := st.Kind
	c.lastEvent = &kind
	c.lastAt = c.now()
	c.mu.Unlock()

	switch st.Kind {
	case authstream.Authenticated:
		c.authenticated(st.Identity)
	case authstream.NotAuthenticated:
		c.commitMu.Lock()
		c.mu.Lock()
		c.invalidateLocked()
		c.identity = nil
		c.setDestinationLocked(NotAuthenticated)
		c.mu.Unlock()
		c.commitMu.Unlock()
	case authstream.RefreshFailure:
		c.mu.Lock()
		c.failures++
		dest := c.dest
		c.mu.Unlock()
		log.Printf("session: token refresh failed, keeping destination %s", dest)
	case authstream.Initializing:
		// A decision, once made, is never reverted to splash.
	}
}

func (c *Controller) authenticated(id authstream.Identity) {
	c.commitMu.Lock()
	c.mu.Lock()
	if c.dest == Authenticated && c.identity != nil && *c.identity == id {
		c.mu.Unlock()
		c.commitMu.Unlock()
		return
	}
	c.invalidateLocked()
	ident := id
	c.identity = &ident
	tag, ctx := c.newLookupLocked(c.baseCtx)
	c.setDestinationLocked(Authenticated)
	c.mu.Unlock()
	c.commitMu.Unlock()

	go func() {
		if err := c.lookupAndCommit(ctx, tag, id); err != nil && !errors.Is(err, ErrSessionChanged) {
			log.Printf("session: field agent lookup for %s: %v", id.UserID, err)
		}
	}()
}

// RefreshFieldAgent repeats the field agent lookup for the current identity
// and waits for its result. Any lookup already in flight is superseded.
func (c *Controller) RefreshFieldAgent(ctx context.Context) error {
	c.commitMu.Lock()
	c.mu.Lock()
	if c.dest != Authenticated || c.identity == nil {
		c.mu.Unlock()
		c.commitMu.Unlock()
		return ErrNotAuthenticated
	}
	id := *c.identity
	c.invalidateLocked()
	tag, lctx := c.newLookupLocked(ctx)
	c.mu.Unlock()
	c.commitMu.Unlock()

	if err := c.lookupAndCommit(lctx, tag, id); err != nil {
		return fmt.Errorf("session: refresh field agent: %w", err)
	}
	return nil
}

// newLookupLocked issues a fresh tag with its cancellable context. c.mu must
// be held.
func (c *Controller) newLookupLocked(parent context.Context) (string, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.tag = uuid.NewString()
	c.cancel = cancel
	c.inFlight[c.tag] = struct{}{}
	return c.tag, ctx
}

// invalidateLocked drops the current tag and cancels its lookup. c.mu must be
// held, and commitMu too.
func (c *Controller) invalidateLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.tag = ""
}

// lookupAndCommit runs one tagged lookup and writes its result only if the tag
// is still current.
func (c *Controller) lookupAndCommit(ctx context.Context, tag string, id authstream.Identity) error {
	agent, lookupErr := c.lookup.LookupFieldAgent(ctx, id)

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	delete(c.inFlight, tag)
	current := tag == c.tag
	c.mu.Unlock()

	if !current {
		c.recordLookup(LookupDiscarded, nil)
		log.Printf("session: lookup %s for %s discarded, session changed", tag, id.UserID)
		return ErrSessionChanged
	}
	if lookupErr != nil {
		c.recordLookup(LookupFailed, lookupErr)
		return lookupErr
	}

	// The write must finish even if the lookup context is cancelled now.
	wctx := context.WithoutCancel(ctx)
	if agent == nil {
		if err := c.profiles.ClearFieldAgent(wctx); err != nil {
			c.recordLookup(LookupFailed, err)
			return err
		}
		c.recordLookup(LookupCleared, nil)
		return nil
	}
	if err := c.profiles.SaveFieldAgent(wctx, *agent); err != nil {
		c.recordLookup(LookupFailed, err)
		return err
	}
	c.recordLookup(LookupSaved, nil)
	return nil
}

func (c *Controller) recordLookup(outcome string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLook = outcome
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	c.lastLookT = c.now()
}

// Logout signs out remotely (best effort), clears the cached profile and the
// source's local session, and forces NotAuthenticated. The destination is
// forced even when a local clear fails; the first such error is returned.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.source.SignOut(ctx); err != nil {
		log.Printf("session: logout: remote sign-out failed: %v", err)
	}

	lctx := context.WithoutCancel(ctx)
	var first error
	step := func(op string, err error) {
		if err == nil {
			return
		}
		log.Printf("session: logout: %s: %v", op, err)
		if first == nil {
			first = fmt.Errorf("session: logout: %s: %w", op, err)
		}
	}

	c.commitMu.Lock()
	c.mu.Lock()
	c.invalidateLocked()
	c.mu.Unlock()
	step("clear field agent", c.profiles.ClearFieldAgent(lctx))
	step("clear primary user", c.profiles.ClearPrimaryUser(lctx))
	step("set logged in", c.profiles.SetLoggedIn(lctx, false))
	step("clear session", c.source.ClearSession(lctx))

	// Still under commitMu, so Run cannot issue a new tag before the
	// destination is forced.
	c.mu.Lock()
	c.identity = nil
	c.setDestinationLocked(NotAuthenticated)
	c.mu.Unlock()
	c.commitMu.Unlock()
	return first
}

// Destination returns the current destination.
func (c *Controller) Destination() Destination {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dest
}

// Identity returns the authenticated identity, or nil.
func (c *Controller) Identity() *authstream.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// Diagnostics returns a snapshot of the controller state.
func (c *Controller) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := Diagnostics{
		Destination:     c.dest,
		LastEventAt:     c.lastAt,
		RefreshFailures: c.failures,
		LookupTag:       c.tag,
		LastLookup:      c.lastLook,
		LastLookupError: c.lastErr,
		LastLookupAt:    c.lastLookT,
	}
	if c.lastEvent != nil {
		d.LastEvent = c.lastEvent.String()
	}
	if c.identity != nil {
		id := *c.identity
		d.Identity = &id
	}
	if c.tag != "" {
		_, d.LookupInFlight = c.inFlight[c.tag]
	}
	return d
}

// Subscribe delivers the current destination and then every change until
// ctx is done. A slow reader only sees the latest value.
func (c *Controller) Subscribe(ctx context.Context) <-chan Destination {
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	c.mu.Lock()
	c.subs[wake] = struct{}{}
	c.mu.Unlock()

	out := make(chan Destination)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.subs, wake)
			c.mu.Unlock()
		}()
		var last Destination
		sent := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			d := c.Destination()
			if sent && d == last {
				continue
			}
			select {
			case out <- d:
				last, sent = d, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// setDestinationLocked updates the destination and wakes subscribers. c.mu
// must be held.
func (c *Controller) setDestinationLocked(d Destination) {
	if c.dest == d {
		return
	}
	c.dest = d
	for w := range c.subs {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
