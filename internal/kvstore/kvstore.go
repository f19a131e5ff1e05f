// Package kvstore is the durable, namespaced key/value store underneath the
// profile cache. Each namespace is an isolated key space; observers receive a
// full-namespace snapshot after every committed write.
package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Namespace names an isolated key space.
type Namespace string

// Snapshot is the full content of one namespace at a point in time.
type Snapshot map[string][]byte

// Has reports whether key is present in the snapshot.
func (s Snapshot) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Equal reports whether both snapshots hold the same keys and values.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Mutation is a set of writes applied to one namespace in a single
// transaction. Removes are applied before sets.
type Mutation struct {
	Set    map[string][]byte
	Remove []string
}

func (m Mutation) empty() bool { return len(m.Set) == 0 && len(m.Remove) == 0 }

// Store is the contract the profile cache depends on.
type Store interface {
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)
	// Set writes a single key atomically.
	Set(ctx context.Context, ns Namespace, key string, value []byte) error
	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, ns Namespace, key string) error
	// Update applies a Mutation as one logical write.
	Update(ctx context.Context, ns Namespace, m Mutation) error
	// Snapshot reads the whole namespace once.
	Snapshot(ctx context.Context, ns Namespace) (Snapshot, error)
	// Observe streams namespace snapshots until ctx is done. Storage errors
	// while reading for an observer are delivered as an empty snapshot.
	Observe(ctx context.Context, ns Namespace) <-chan Snapshot
}

// DBStore implements Store on a GORM connection. One instance is created per
// process and shared by every caller; observers are only notified of writes
// made through the same instance.
type DBStore struct {
	db *gorm.DB

	mu       sync.Mutex
	watchers map[Namespace]map[*watcher]struct{}
}

// watcher is an observer's wake-up signal. The buffer of one coalesces bursts
// of writes into a single re-read.
type watcher struct {
	notify chan struct{}
}

// New creates a DBStore. The kv_entries table must already be migrated.
func New(db *gorm.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: db is required")
	}
	return &DBStore{
		db:       db,
		watchers: make(map[Namespace]map[*watcher]struct{}),
	}, nil
}

// Get returns the value stored under key in ns.
func (s *DBStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	result := s.db.WithContext(ctx).
		Where("namespace = ? AND `key` = ?", string(ns), key).
		Limit(1).
		Find(&entry)
	if result.Error != nil {
		return nil, false, fmt.Errorf("kvstore: get %s/%s: %w", ns, key, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set upserts a single key.
func (s *DBStore) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := upsert(s.db.WithContext(ctx), ns, key, value); err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", ns, key, err)
	}
	s.notify(ns)
	return nil
}

// Remove deletes a single key.
func (s *DBStore) Remove(ctx context.Context, ns Namespace, key string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND `key` = ?", string(ns), key).
		Delete(&models.KVEntry{}).Error
	if err != nil {
		return fmt.Errorf("kvstore: remove %s/%s: %w", ns, key, err)
	}
	s.notify(ns)
	return nil
}

// Update applies m in one transaction, so observers never see a half-written
// record.
func (s *DBStore) Update(ctx context.Context, ns Namespace, m Mutation) error {
	if m.empty() {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(m.Remove) > 0 {
			if err := tx.Where("namespace = ? AND `key` IN ?", string(ns), m.Remove).
				Delete(&models.KVEntry{}).Error; err != nil {
				return fmt.Errorf("remove keys: %w", err)
			}
		}
		keys := make([]string, 0, len(m.Set))
		for k := range m.Set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := upsert(tx, ns, k, m.Set[k]); err != nil {
				return fmt.Errorf("set %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: update %s: %w", ns, err)
	}
	s.notify(ns)
	return nil
}

// Snapshot reads every key of ns.
func (s *DBStore) Snapshot(ctx context.Context, ns Namespace) (Snapshot, error) {
	var entries []models.KVEntry
	if err := s.db.WithContext(ctx).Where("namespace = ?", string(ns)).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("kvstore: snapshot %s: %w", ns, err)
	}
	snap := make(Snapshot, len(entries))
	for _, e := range entries {
		snap[e.Key] = e.Value
	}
	return snap, nil
}

// Observe emits the current snapshot of ns, then a fresh snapshot after every
// write that changes it. The channel is closed when ctx is cancelled.
func (s *DBStore) Observe(ctx context.Context, ns Namespace) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	w := s.addWatcher(ns)
	go func() {
		defer close(out)
		defer s.removeWatcher(ns, w)

		var last Snapshot
		sent := false
		for {
			snap := s.observedRead(ctx, ns)
			if ctx.Err() != nil {
				return
			}
			if !sent || !snap.Equal(last) {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				last, sent = snap, true
			}
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
		}
	}()
	return out
}

// observedRead reads ns for an observer, degrading storage errors to an empty
// snapshot.
func (s *DBStore) observedRead(ctx context.Context, ns Namespace) Snapshot {
	snap, err := s.Snapshot(ctx, ns)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("kvstore: observe %s: %v (emitting empty snapshot)", ns, err)
		}
		return Snapshot{}
	}
	return snap
}

func (s *DBStore) addWatcher(ns Namespace) *watcher {
	w := &watcher{notify: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[ns] == nil {
		s.watchers[ns] = make(map[*watcher]struct{})
	}
	s.watchers[ns][w] = struct{}{}
	return w
}

func (s *DBStore) removeWatcher(ns Namespace, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[ns], w)
	if len(s.watchers[ns]) == 0 {
		delete(s.watchers, ns)
	}
}

// notify wakes every observer of ns without blocking the writer.
func (s *DBStore) notify(ns Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[ns] {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// upsert writes one key, replacing any previous value.
func upsert(tx *gorm.DB, ns Namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	entry := models.KVEntry{
		Namespace: string(ns),
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}
