// Package authstream provides the authentication status stream the session
// controller subscribes to, plus two sources: an in-process ManualSource and
// an OAuth2-backed TokenSource.
package authstream

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken is returned when no stored session exists.
var ErrNoToken = errors.New("authstream: no stored token")

// ErrSessionEnded is returned when the session was cleared or replaced while a
// token refresh was in flight.
var ErrSessionEnded = errors.New("authstream: session ended during refresh")

// Kind is the kind of an authentication status event.
type Kind int

const (
	Initializing Kind = iota
	Authenticated
	NotAuthenticated
	RefreshFailure
)

func (k Kind) String() string {
	switch k {
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

// Identity is the auth provider's view of the signed-in user.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// Status is one event of the authentication stream. Identity is only set for
// Authenticated.
type Status struct {
	Kind     Kind
	Identity Identity
}

// AuthenticatedAs builds an Authenticated status.
func AuthenticatedAs(id Identity) Status {
	return Status{Kind: Authenticated, Identity: id}
}

// Source is an asynchronous authentication status stream with the session
// operations logout needs.
type Source interface {
	// Subscribe delivers the latest status, then every later status in
	// order, until ctx is done.
	Subscribe(ctx context.Context) <-chan Status
	// SignOut revokes the session with the remote provider.
	SignOut(ctx context.Context) error
	// ClearSession drops the locally stored session.
	ClearSession(ctx context.Context) error
}

// broadcaster fans statuses out to subscribers. Every subscriber has its own
// queue so a slow reader never blocks Publish and never misses an event.
type broadcaster struct {
	mu      sync.Mutex
	current Status
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	mu    sync.Mutex
	queue []Status
	wake  chan struct{}
}

func newBroadcaster(initial Status) *broadcaster {
	return &broadcaster{
		current: initial,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Current returns the last published status.
func (b *broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish records st as current and queues it for every subscriber.
func (b *broadcaster) Publish(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = st
	for s := range b.subs {
		s.push(st)
	}
}

// Subscribe returns a channel replaying the current status and every later
// one. It is closed when ctx is done.
func (b *broadcaster) Subscribe(ctx context.Context) <-chan Status {
	s := &subscriber{wake: make(chan struct{}, 1)}
	b.mu.Lock()
	s.push(b.current)
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	out := make(chan Status)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			for _, st := range s.drain() {
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *subscriber) push(st Status) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}
