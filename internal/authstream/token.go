package authstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
)

// refreshLeeway is added to the time until the next scheduled check when
// deciding whether a token must be refreshed now.
const refreshLeeway = 30 * time.Second

// TokenSource is a Source backed by an OAuth2 token persisted on the device.
// It resolves the stored session at startup, refreshes it on a cron schedule
// and publishes the resulting status.
type TokenSource struct {
	oauth     *oauth2.Config
	store     TokenStore
	logoutURL string
	schedule  cron.Schedule
	client    *http.Client
	now       func() time.Time

	b *broadcaster

	// refreshMu serialises refreshes so the scheduler and HTTPClient never
	// spend the same refresh token twice.
	refreshMu sync.Mutex

	// sessMu guards gen and is held across every store write and publish.
	// gen is bumped whenever the session is replaced or ended, so the result
	// of a refresh that started under an older generation is dropped.
	sessMu sync.Mutex
	gen    uint64
}

// TokenSourceOpts holds parameters for creating a TokenSource.
type TokenSourceOpts struct {
	ClientID        string
	TokenURL        string
	LogoutURL       string
	Store           TokenStore
	RefreshSchedule string       // 5-field cron expression
	HTTPClient      *http.Client // defaults to http.DefaultClient
	Now             func() time.Time
}

// NewTokenSource creates a TokenSource. Its status is Initializing until Run
// resolves the stored session.
func NewTokenSource(opts TokenSourceOpts) (*TokenSource, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("authstream: token source: store is required")
	}
	if opts.TokenURL == "" {
		return nil, fmt.Errorf("authstream: token source: token url is required")
	}
	sched, err := cron.ParseStandard(opts.RefreshSchedule)
	if err != nil {
		return nil, fmt.Errorf("authstream: token source: refresh schedule %q: %w", opts.RefreshSchedule, err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenSource{
		oauth: &oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:     opts.Store,
		logoutURL: opts.LogoutURL,
		schedule:  sched,
		client:    client,
		now:       now,
		b:         newBroadcaster(Status{Kind: Initializing}),
	}, nil
}

// Subscribe implements Source.
func (s *TokenSource) Subscribe(ctx context.Context) <-chan Status {
	return s.b.Subscribe(ctx)
}

// Current returns the last published status.
func (s *TokenSource) Current() Status { return s.b.Current() }

// Run resolves the stored session, then re-checks it on the refresh schedule
// until ctx is cancelled.
func (s *TokenSource) Run(ctx context.Context) error {
	s.Resolve(ctx)
	for {
		timer := time.NewTimer(s.untilNextCheck())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.Check(ctx)
		}
	}
}

// Resolve publishes the status of the stored session, refreshing it first if
// it has expired.
func (s *TokenSource) Resolve(ctx context.Context) {
	gen := s.generation()
	tok, err := s.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			log.Printf("authstream: resolve: %v (treating as signed out)", err)
		}
		s.commit(gen, func() { s.publish(Status{Kind: NotAuthenticated}) })
		return
	}
	id, err := IdentityFromToken(tok)
	if err != nil {
		log.Printf("authstream: resolve: %v (clearing session)", err)
		s.dropSession(ctx, gen)
		return
	}
	if s.valid(tok) {
		s.commit(gen, func() { s.publish(AuthenticatedAs(id)) })
		return
	}
	s.refresh(ctx, gen, tok, id, true)
}

// Check refreshes the stored token when it would expire before the next
// scheduled check.
func (s *TokenSource) Check(ctx context.Context) {
	gen := s.generation()
	tok, err := s.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			s.commit(gen, func() {
				if s.b.Current().Kind == Authenticated {
					s.publish(Status{Kind: NotAuthenticated})
				}
			})
		}
		return
	}
	deadline := s.now().Add(s.untilNextCheck() + refreshLeeway)
	if !tok.Expiry.IsZero() && tok.Expiry.After(deadline) {
		return
	}
	id, err := IdentityFromToken(tok)
	if err != nil {
		log.Printf("authstream: check: %v (clearing session)", err)
		s.dropSession(ctx, gen)
		return
	}
	s.refresh(ctx, gen, tok, id, false)
}

// refresh exchanges the refresh token. A rejected grant signs the user out;
// any other failure is reported as RefreshFailure. At startup the stored
// identity is published first so an offline device still enters the app.
// Nothing is saved or published when the session generation moved past gen
// while the exchange was in flight.
func (s *TokenSource) refresh(ctx context.Context, gen uint64, tok *oauth2.Token, id Identity, startup bool) {
	if tok.RefreshToken == "" {
		log.Printf("authstream: refresh: token expired without refresh token (clearing session)")
		s.dropSession(ctx, gen)
		return
	}
	fresh, err := s.exchange(ctx, tok.RefreshToken)
	if err != nil {
		if rejected(err) {
			log.Printf("authstream: refresh rejected: %v (clearing session)", err)
			s.dropSession(ctx, gen)
			return
		}
		log.Printf("authstream: refresh failed: %v", err)
		s.commit(gen, func() {
			if startup {
				s.publish(AuthenticatedAs(id))
			}
			s.publish(Status{Kind: RefreshFailure})
		})
		return
	}
	freshID, err := IdentityFromToken(fresh)
	if err != nil {
		log.Printf("authstream: refresh: %v (clearing session)", err)
		s.dropSession(ctx, gen)
		return
	}
	ok := s.commit(gen, func() {
		if err := s.store.Save(ctx, fresh); err != nil {
			log.Printf("authstream: refresh: %v", err)
		}
		s.publishAuthenticated(freshID)
	})
	if !ok {
		log.Printf("authstream: refresh: session ended during exchange, dropping token")
	}
}

func (s *TokenSource) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	return s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// SignIn exchanges user credentials for a token and publishes Authenticated.
func (s *TokenSource) SignIn(ctx context.Context, username, password string) (Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return Identity{}, fmt.Errorf("authstream: sign in: %w", err)
	}
	id, err := IdentityFromToken(tok)
	if err != nil {
		return Identity{}, fmt.Errorf("authstream: sign in: %w", err)
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if err := s.store.Save(ctx, tok); err != nil {
		return Identity{}, fmt.Errorf("authstream: sign in: %w", err)
	}
	s.gen++
	s.publishAuthenticated(id)
	return id, nil
}

// SignOut revokes the stored session at the provider's logout endpoint.
func (s *TokenSource) SignOut(ctx context.Context) error {
	if s.logoutURL == "" {
		return nil
	}
	tok, err := s.store.Load(ctx)
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("authstream: sign out: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.logoutURL, nil)
	if err != nil {
		return fmt.Errorf("authstream: sign out: %w", err)
	}
	tok.SetAuthHeader(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("authstream: sign out: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("authstream: sign out: logout endpoint returned %s", resp.Status)
	}
	return nil
}

// ClearSession removes the stored token and publishes NotAuthenticated.
// Any refresh still in flight is dropped when it completes.
func (s *TokenSource) ClearSession(ctx context.Context) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	s.gen++
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("authstream: clear session: %w", err)
	}
	s.publish(Status{Kind: NotAuthenticated})
	return nil
}

// HTTPClient returns a client that authenticates requests with the stored
// token, refreshing it when needed. The token is read from the store on every
// request, so requests made after ClearSession carry no credentials.
func (s *TokenSource) HTTPClient(ctx context.Context) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{
		Source: &storedTokenSource{ctx: context.WithValue(ctx, oauth2.HTTPClient, s.client), s: s},
		Base:   s.client.Transport,
	}}
}

// storedTokenSource serves the persisted token to oauth2's transport.
type storedTokenSource struct {
	ctx context.Context
	s   *TokenSource
}

func (t *storedTokenSource) Token() (*oauth2.Token, error) {
	gen := t.s.generation()
	tok, err := t.s.store.Load(t.ctx)
	if err != nil {
		return nil, err
	}
	if t.s.valid(tok) || tok.RefreshToken == "" {
		return tok, nil
	}
	fresh, err := t.s.exchange(t.ctx, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	ok := t.s.commit(gen, func() {
		if err := t.s.store.Save(t.ctx, fresh); err != nil {
			log.Printf("authstream: save refreshed token: %v", err)
		}
	})
	if !ok {
		return nil, ErrSessionEnded
	}
	return fresh, nil
}

// IdentityFromToken reads the subject and email claims of the access token.
// The signature is not verified: the device only needs to know who it is
// signed in as, the backend verifies every request.
func IdentityFromToken(tok *oauth2.Token) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("access token has no subject")
	}
	email, _ := claims["email"].(string)
	return Identity{UserID: sub, Email: email}, nil
}

func (s *TokenSource) valid(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || tok.Expiry.After(s.now().Add(refreshLeeway))
}

func (s *TokenSource) untilNextCheck() time.Duration {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// dropSession ends the session of generation gen. A newer session is left
// alone.
func (s *TokenSource) dropSession(ctx context.Context, gen uint64) {
	s.commit(gen, func() {
		s.gen++
		if err := s.store.Clear(ctx); err != nil {
			log.Printf("authstream: clear session: %v", err)
		}
		s.publish(Status{Kind: NotAuthenticated})
	})
}

func (s *TokenSource) generation() uint64 {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.gen
}

// commit runs fn under sessMu if the session generation is still gen and
// reports whether it ran.
func (s *TokenSource) commit(gen uint64, fn func()) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.gen != gen {
		return false
	}
	fn()
	return true
}

func (s *TokenSource) publish(st Status) { s.b.Publish(st) }

// publishAuthenticated skips the event when it would repeat the current one.
func (s *TokenSource) publishAuthenticated(id Identity) {
	cur := s.b.Current()
	if cur.Kind == Authenticated && cur.Identity == id {
		return
	}
	s.publish(AuthenticatedAs(id))
}

// rejected reports whether err is the provider refusing the grant, as opposed
// to a transient failure reaching it.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}
