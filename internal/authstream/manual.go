package authstream

import (
	"context"
	"sync"
)

// ManualSource is a Source driven by explicit Emit calls. Embedders use it to
// bridge a platform auth SDK; tests use it to script status sequences.
type ManualSource struct {
	b *broadcaster

	mu         sync.Mutex
	signOutErr error
	clearErr   error
	signOuts   int
	clears     int
}

// NewManualSource creates a ManualSource whose current status is Initializing.
func NewManualSource() *ManualSource {
	return &ManualSource{b: newBroadcaster(Status{Kind: Initializing})}
}

// Emit publishes st to every subscriber.
func (s *ManualSource) Emit(st Status) { s.b.Publish(st) }

// Current returns the last emitted status.
func (s *ManualSource) Current() Status { return s.b.Current() }

// Subscribe implements Source.
func (s *ManualSource) Subscribe(ctx context.Context) <-chan Status {
	return s.b.Subscribe(ctx)
}

// SetSignOutError makes later SignOut calls fail with err.
func (s *ManualSource) SetSignOutError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOutErr = err
}

// SetClearError makes later ClearSession calls fail with err.
func (s *ManualSource) SetClearError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearErr = err
}

// SignOut records the call and returns the configured error.
func (s *ManualSource) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOuts++
	return s.signOutErr
}

// ClearSession records the call and, unless configured to fail, emits
// NotAuthenticated.
func (s *ManualSource) ClearSession(ctx context.Context) error {
	s.mu.Lock()
	s.clears++
	err := s.clearErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Emit(Status{Kind: NotAuthenticated})
	return nil
}

// SignOutCalls returns how many times SignOut was called.
func (s *ManualSource) SignOutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}

// ClearCalls returns how many times ClearSession was called.
func (s *ManualSource) ClearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
