package authstream

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/waypoint/internal/kvstore"
	"golang.org/x/oauth2"
)

// NamespaceAuthSession holds the auth provider's local session. It belongs to
// the auth source, not to the profile cache.
const NamespaceAuthSession kvstore.Namespace = "auth-session"

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenType    = "token_type"
	keyExpiry       = "expiry"
)

var tokenKeys = []string{keyAccessToken, keyRefreshToken, keyTokenType, keyExpiry}

// TokenStore persists the OAuth2 token between process runs.
type TokenStore interface {
	// Load returns the stored token, or ErrNoToken.
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Clear(ctx context.Context) error
}

// KVTokenStore keeps the token in the durable key/value store.
type KVTokenStore struct {
	store kvstore.Store
}

// NewKVTokenStore creates a KVTokenStore.
func NewKVTokenStore(store kvstore.Store) (*KVTokenStore, error) {
	if store == nil {
		return nil, fmt.Errorf("authstream: token store: store is required")
	}
	return &KVTokenStore{store: store}, nil
}

// Load reads the token. A snapshot without an access token is ErrNoToken.
func (s *KVTokenStore) Load(ctx context.Context) (*oauth2.Token, error) {
	snap, err := s.store.Snapshot(ctx, NamespaceAuthSession)
	if err != nil {
		return nil, fmt.Errorf("authstream: load token: %w", err)
	}
	if len(snap[keyAccessToken]) == 0 {
		return nil, ErrNoToken
	}
	tok := &oauth2.Token{
		AccessToken:  string(snap[keyAccessToken]),
		RefreshToken: string(snap[keyRefreshToken]),
		TokenType:    string(snap[keyTokenType]),
	}
	if raw := snap[keyExpiry]; len(raw) > 0 {
		exp, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return nil, fmt.Errorf("authstream: load token: expiry: %w", err)
		}
		tok.Expiry = exp
	}
	return tok, nil
}

// Save replaces the stored token in one write.
func (s *KVTokenStore) Save(ctx context.Context, tok *oauth2.Token) error {
	m := kvstore.Mutation{Set: map[string][]byte{
		keyAccessToken: []byte(tok.AccessToken),
		keyTokenType:   []byte(tok.TokenType),
	}}
	if tok.RefreshToken != "" {
		m.Set[keyRefreshToken] = []byte(tok.RefreshToken)
	} else {
		m.Remove = append(m.Remove, keyRefreshToken)
	}
	if !tok.Expiry.IsZero() {
		m.Set[keyExpiry] = []byte(tok.Expiry.UTC().Format(time.RFC3339Nano))
	} else {
		m.Remove = append(m.Remove, keyExpiry)
	}
	if err := s.store.Update(ctx, NamespaceAuthSession, m); err != nil {
		return fmt.Errorf("authstream: save token: %w", err)
	}
	return nil
}

// Clear removes the stored token.
func (s *KVTokenStore) Clear(ctx context.Context) error {
	if err := s.store.Update(ctx, NamespaceAuthSession, kvstore.Mutation{Remove: tokenKeys}); err != nil {
		return fmt.Errorf("authstream: clear token: %w", err)
	}
	return nil
}
