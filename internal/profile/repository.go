// Package profile is the typed cache of the signed-in user, the optional field
// agent profile and app preferences. Reads never fail: storage and decode
// errors degrade to "absent". Writes return storage errors to the caller.
package profile

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/waypoint/internal/kvstore"
)

// Repository reads and writes profile records through a kvstore.Store.
type Repository struct {
	store kvstore.Store
}

// NewRepository creates a Repository over store.
func NewRepository(store kvstore.Store) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("profile: store is required")
	}
	return &Repository{store: store}, nil
}

// ---------------------------------------------------------------------------
// Primary user
// ---------------------------------------------------------------------------

// SavePrimaryUser replaces the whole primary user record in one write.
func (r *Repository) SavePrimaryUser(ctx context.Context, u PrimaryUser) error {
	if err := r.store.Update(ctx, NamespaceUser, kvstore.Mutation{Set: encodePrimaryUser(u)}); err != nil {
		return fmt.Errorf("profile: save primary user: %w", err)
	}
	return nil
}

// ClearPrimaryUser removes the primary user record. Preferences sharing the
// namespace are left alone.
func (r *Repository) ClearPrimaryUser(ctx context.Context) error {
	if err := r.store.Update(ctx, NamespaceUser, kvstore.Mutation{Remove: primaryUserKeys}); err != nil {
		return fmt.Errorf("profile: clear primary user: %w", err)
	}
	return nil
}

// ObservePrimaryUser streams the primary user, or nil when no complete record
// is stored.
func (r *Repository) ObservePrimaryUser(ctx context.Context) <-chan *PrimaryUser {
	return mapSnapshots(ctx, r.store.Observe(ctx, NamespaceUser), func(snap kvstore.Snapshot) *PrimaryUser {
		u, err := decodePrimaryUser(snap)
		if err != nil {
			log.Printf("profile: decode primary user: %v (treating as absent)", err)
			return nil
		}
		return u
	}, samePrimaryUser)
}

// ReadPrimaryUserOnce returns the first value of ObservePrimaryUser. Request
// enrichment uses it to stamp user and branch ids on outbound calls.
func (r *Repository) ReadPrimaryUserOnce(ctx context.Context) *PrimaryUser {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return first(ctx, r.ObservePrimaryUser(ctx))
}

// ---------------------------------------------------------------------------
// Field agent
// ---------------------------------------------------------------------------

// SaveFieldAgent stores a and sets the presence flag in one write.
func (r *Repository) SaveFieldAgent(ctx context.Context, a FieldAgent) error {
	if err := r.store.Update(ctx, NamespaceFieldAgent, encodeFieldAgent(a)); err != nil {
		return fmt.Errorf("profile: save field agent: %w", err)
	}
	return nil
}

// ClearFieldAgent removes the presence flag and every agent field.
func (r *Repository) ClearFieldAgent(ctx context.Context) error {
	if err := r.store.Update(ctx, NamespaceFieldAgent, kvstore.Mutation{Remove: fieldAgentKeys}); err != nil {
		return fmt.Errorf("profile: clear field agent: %w", err)
	}
	return nil
}

// ObserveFieldAgent streams the field agent profile, or nil when the presence
// flag is off or any field fails to decode.
func (r *Repository) ObserveFieldAgent(ctx context.Context) <-chan *FieldAgent {
	return mapSnapshots(ctx, r.store.Observe(ctx, NamespaceFieldAgent), func(snap kvstore.Snapshot) *FieldAgent {
		a, err := decodeFieldAgent(snap)
		if err != nil {
			log.Printf("profile: decode field agent: %v (treating as absent)", err)
			return nil
		}
		return a
	}, sameFieldAgent)
}

// ReadFieldAgentOnce returns the first value of ObserveFieldAgent.
func (r *Repository) ReadFieldAgentOnce(ctx context.Context) *FieldAgent {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return first(ctx, r.ObserveFieldAgent(ctx))
}

// ObserveIsFieldAgent streams only the presence flag, without decoding the
// rest of the record.
func (r *Repository) ObserveIsFieldAgent(ctx context.Context) <-chan bool {
	return mapSnapshots(ctx, r.store.Observe(ctx, NamespaceFieldAgent), func(snap kvstore.Snapshot) bool {
		present, err := decodeIsFieldAgent(snap)
		if err != nil {
			log.Printf("profile: decode field agent flag: %v (treating as false)", err)
			return false
		}
		return present
	}, func(a, b bool) bool { return a == b })
}

// ---------------------------------------------------------------------------
// Preferences
// ---------------------------------------------------------------------------

// ObservePreferences streams the preference flags.
func (r *Repository) ObservePreferences(ctx context.Context) <-chan Preferences {
	return mapSnapshots(ctx, r.store.Observe(ctx, NamespaceUser), func(snap kvstore.Snapshot) Preferences {
		p, err := decodePreferences(snap)
		if err != nil {
			log.Printf("profile: decode preferences: %v (using defaults)", err)
			return Preferences{}
		}
		return p
	}, func(a, b Preferences) bool { return a == b })
}

// ReadPreferencesOnce returns the first value of ObservePreferences.
func (r *Repository) ReadPreferencesOnce(ctx context.Context) Preferences {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return first(ctx, r.ObservePreferences(ctx))
}

// SetOnboardingCompleted records whether onboarding has been finished.
func (r *Repository) SetOnboardingCompleted(ctx context.Context, done bool) error {
	if err := r.store.Set(ctx, NamespaceUser, keyOnboardingCompleted, encodeBool(done)); err != nil {
		return fmt.Errorf("profile: set onboarding completed: %w", err)
	}
	return nil
}

// SetLoggedIn records the legacy logged-in flag.
func (r *Repository) SetLoggedIn(ctx context.Context, loggedIn bool) error {
	if err := r.store.Set(ctx, NamespaceUser, keyIsLoggedIn, encodeBool(loggedIn)); err != nil {
		return fmt.Errorf("profile: set logged in: %w", err)
	}
	return nil
}

// SetBaseURLOverride stores a backend base URL override. An empty url removes
// the override.
func (r *Repository) SetBaseURLOverride(ctx context.Context, url string) error {
	var err error
	if url == "" {
		err = r.store.Remove(ctx, NamespaceUser, keyBaseURL)
	} else {
		err = r.store.Set(ctx, NamespaceUser, keyBaseURL, []byte(url))
	}
	if err != nil {
		return fmt.Errorf("profile: set base url override: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stream helpers
// ---------------------------------------------------------------------------

// mapSnapshots decodes every snapshot of in and forwards the result, dropping
// values equal to the previous one.
func mapSnapshots[T any](ctx context.Context, in <-chan kvstore.Snapshot, decode func(kvstore.Snapshot) T, same func(a, b T) bool) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		var last T
		sent := false
		for snap := range in {
			v := decode(snap)
			if sent && same(last, v) {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			last, sent = v, true
		}
	}()
	return out
}

// first returns the first value of ch, or the zero value if ch closes first.
func first[T any](ctx context.Context, ch <-chan T) T {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero
		}
		return v
	case <-ctx.Done():
		return zero
	}
}

func samePrimaryUser(a, b *PrimaryUser) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameFieldAgent(a, b *FieldAgent) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
