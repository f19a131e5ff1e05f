package diagnostics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/authstream"
	"github.com/zulandar/waypoint/internal/profile"
	"github.com/zulandar/waypoint/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSession struct {
	mu         sync.Mutex
	diag       session.Diagnostics
	dests      chan session.Destination
	logoutErr  error
	refreshErr error
	logouts    int
}

func (f *fakeSession) Diagnostics() session.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *fakeSession) Subscribe(ctx context.Context) <-chan session.Destination {
	out := make(chan session.Destination)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-f.dests:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.diag.Destination = session.NotAuthenticated
	return f.logoutErr
}

func (f *fakeSession) RefreshFieldAgent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr == nil {
		f.diag.LastLookup = session.LookupSaved
	}
	return f.refreshErr
}

type fakeProfiles struct {
	user  *profile.PrimaryUser
	agent *profile.FieldAgent
	prefs profile.Preferences
}

func (f fakeProfiles) ReadPrimaryUserOnce(context.Context) *profile.PrimaryUser { return f.user }
func (f fakeProfiles) ReadFieldAgentOnce(context.Context) *profile.FieldAgent   { return f.agent }
func (f fakeProfiles) ReadPreferencesOnce(context.Context) profile.Preferences  { return f.prefs }

func newTestRouter(s *fakeSession, p fakeProfiles) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(s, p)
}

func do(t *testing.T, r http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestStart_RequiredDeps(t *testing.T) {
	err := Start(context.Background(), StartOpts{Profiles: fakeProfiles{}})
	if err == nil || !strings.Contains(err.Error(), "session is required") {
		t.Errorf("err = %v, want session is required", err)
	}
	err = Start(context.Background(), StartOpts{Session: &fakeSession{}})
	if err == nil || !strings.Contains(err.Error(), "profiles is required") {
		t.Errorf("err = %v, want profiles is required", err)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := 18800 + int(time.Now().UnixNano()%1000)
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, StartOpts{Session: &fakeSession{}, Profiles: fakeProfiles{}, Port: port})
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// ---------------------------------------------------------------------------
// JSON routes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	w := do(t, newTestRouter(&fakeSession{}, fakeProfiles{}), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestSessionRoute(t *testing.T) {
	s := &fakeSession{diag: session.Diagnostics{
		Destination:     session.Authenticated,
		LastEvent:       "refresh_failure",
		RefreshFailures: 2,
		Identity:        &authstream.Identity{UserID: "u1"},
		LookupTag:       "tag-1",
	}}
	w := do(t, newTestRouter(s, fakeProfiles{}), http.MethodGet, "/api/session")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["destination"] != "authenticated" {
		t.Errorf("destination = %v, want authenticated", body["destination"])
	}
	if body["refresh_failures"] != float64(2) {
		t.Errorf("refresh_failures = %v", body["refresh_failures"])
	}
	if _, ok := body["last_event_at"]; ok {
		t.Error("zero last_event_at should be omitted")
	}
}

func TestProfileRoute_RedactsPassword(t *testing.T) {
	p := fakeProfiles{
		user:  &profile.PrimaryUser{UserID: 7, Name: "Juma", BranchID: 3, Password: "s3cret"},
		prefs: profile.Preferences{OnboardingCompleted: true},
	}
	w := do(t, newTestRouter(&fakeSession{}, p), http.MethodGet, "/api/profile")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Fatal("password leaked in /api/profile")
	}
	var body struct {
		PrimaryUser *userView           `json:"primary_user"`
		FieldAgent  *profile.FieldAgent `json:"field_agent"`
		Preferences profile.Preferences `json:"preferences"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PrimaryUser == nil || body.PrimaryUser.UserID != 7 || !body.PrimaryUser.PasswordCached {
		t.Errorf("primary_user = %+v", body.PrimaryUser)
	}
	if body.FieldAgent != nil {
		t.Errorf("field_agent = %+v, want null", body.FieldAgent)
	}
	if !body.Preferences.OnboardingCompleted {
		t.Error("preferences not rendered")
	}
}

func TestLogoutRoute(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusOK},
		{"local failure", errors.New("session: logout: clear primary user: disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{logoutErr: tt.err, diag: session.Diagnostics{Destination: session.Authenticated}}
			w := do(t, newTestRouter(s, fakeProfiles{}), http.MethodPost, "/api/logout")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if !strings.Contains(w.Body.String(), "not_authenticated") {
				t.Errorf("body = %s, want forced destination", w.Body.String())
			}
			if s.logouts != 1 {
				t.Errorf("logouts = %d, want 1", s.logouts)
			}
		})
	}
}

func TestRefreshRoute(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusOK},
		{"not authenticated", session.ErrNotAuthenticated, http.StatusConflict},
		{"lookup failed", errors.New("session: refresh field agent: 503"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{refreshErr: tt.err}
			w := do(t, newTestRouter(s, fakeProfiles{}), http.MethodPost, "/api/field-agent/refresh")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SSE
// ---------------------------------------------------------------------------

func TestEventsStream(t *testing.T) {
	s := &fakeSession{dests: make(chan session.Destination)}
	srv := httptest.NewServer(newTestRouter(s, fakeProfiles{}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	expect := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	expect("event: connected")
	s.dests <- session.Authenticated
	expect("event: destination")
	data := expect("data: ")
	if !strings.Contains(data, `"route":"main"`) || !strings.Contains(data, `"destination":"authenticated"`) {
		t.Errorf("destination data = %s", data)
	}
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	writeSSE(&b, "destination", map[string]string{"destination": "initializing"})
	want := "event: destination\ndata: {\"destination\":\"initializing\"}\n\n"
	if b.String() != want {
		t.Errorf("writeSSE = %q, want %q", b.String(), want)
	}
}
