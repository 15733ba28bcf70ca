package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mobility-hub/internal/hubapi"
	session "mobility-hub/internal/session/domain"
)

type fakeAuth struct {
	token    string
	loginErr error
	user     session.User
	meErr    error

	meCalls int
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.token, nil
}

func (f *fakeAuth) Me(ctx context.Context, token string) (session.User, error) {
	f.meCalls++
	if f.meErr != nil {
		return session.User{}, f.meErr
	}
	return f.user, nil
}

type memStore struct {
	mu      sync.Mutex
	token   string
	saveErr error
}

func (s *memStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memStore) Save(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.token = token
	return nil
}

func (s *memStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

type recordingPublisher struct {
	events []any
}

func (p *recordingPublisher) Publish(ctx context.Context, event any) error {
	p.events = append(p.events, event)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestLogin_Success(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := &fakeAuth{token: signedToken(t, exp), user: session.User{Username: "admin", FullName: "Demo Admin"}}
	store := &memStore{}
	pub := &recordingPublisher{}
	m, err := NewManager(auth, store, WithPublisher(pub))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sess, err := m.Login(context.Background(), "admin", "admin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.User.Username != "admin" || sess.Token != auth.token {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, sess.ExpiresAt)
	}
	if store.token != auth.token {
		t.Fatalf("token not persisted")
	}
	current, ok := m.Current()
	if !ok || current.User.Username != "admin" {
		t.Fatalf("expected current session")
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	if _, ok := pub.events[0].(session.Started); !ok {
		t.Fatalf("expected Started, got %T", pub.events[0])
	}
}

func TestLogin_FailureLeavesNoSession(t *testing.T) {
	tests := []struct {
		name string
		auth *fakeAuth
	}{
		{name: "bad credentials", auth: &fakeAuth{loginErr: errors.New("http 401")}},
		{name: "profile fails", auth: &fakeAuth{token: "opaque", meErr: errors.New("http 500")}},
		{name: "empty profile", auth: &fakeAuth{token: "opaque"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{}
			pub := &recordingPublisher{}
			m, _ := NewManager(tt.auth, store, WithPublisher(pub))

			_, err := m.Login(context.Background(), "admin", "x")
			if !errors.Is(err, session.ErrAuth) {
				t.Fatalf("expected ErrAuth, got %v", err)
			}
			if _, ok := m.Current(); ok {
				t.Fatalf("expected no session")
			}
			if store.token != "" {
				t.Fatalf("token must not be persisted")
			}
			if len(pub.events) != 0 {
				t.Fatalf("expected no events, got %d", len(pub.events))
			}
		})
	}
}

func TestLogin_SaveFailureIsNotFatal(t *testing.T) {
	auth := &fakeAuth{token: "opaque", user: session.User{Username: "admin"}}
	m, _ := NewManager(auth, &memStore{saveErr: errors.New("disk full")})

	if _, err := m.Login(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("expected login to succeed, got %v", err)
	}
	if _, ok := m.Current(); !ok {
		t.Fatalf("expected session")
	}
}

func TestLogin_ReplacesSession(t *testing.T) {
	auth := &fakeAuth{token: "first", user: session.User{Username: "admin"}}
	pub := &recordingPublisher{}
	m, _ := NewManager(auth, &memStore{}, WithPublisher(pub))

	if _, err := m.Login(context.Background(), "admin", "x"); err != nil {
		t.Fatalf("login: %v", err)
	}
	auth.token = "second"
	if _, err := m.Login(context.Background(), "admin", "x"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pub.events))
	}
	ended, ok := pub.events[1].(session.Ended)
	if !ok || ended.Reason != session.EndReasonReplaced {
		t.Fatalf("expected replaced Ended, got %#v", pub.events[1])
	}
	current, _ := m.Current()
	if current.Token != "second" {
		t.Fatalf("expected second token, got %s", current.Token)
	}
}

func TestLogout(t *testing.T) {
	auth := &fakeAuth{token: "tok", user: session.User{Username: "admin"}}
	store := &memStore{}
	pub := &recordingPublisher{}
	m, _ := NewManager(auth, store, WithPublisher(pub))

	m.Logout(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("logout without session must not publish")
	}

	if _, err := m.Login(context.Background(), "admin", "x"); err != nil {
		t.Fatalf("login: %v", err)
	}
	m.Logout(context.Background())
	if _, ok := m.Current(); ok {
		t.Fatalf("expected no session after logout")
	}
	if store.token != "" {
		t.Fatalf("expected store cleared")
	}
	ended, ok := pub.events[len(pub.events)-1].(session.Ended)
	if !ok || ended.Reason != session.EndReasonLogout || ended.Username != "admin" {
		t.Fatalf("unexpected last event %#v", pub.events[len(pub.events)-1])
	}
}

func TestInvalidate_OnlyMatchingToken(t *testing.T) {
	auth := &fakeAuth{token: "tok", user: session.User{Username: "admin"}}
	m, _ := NewManager(auth, &memStore{})
	if _, err := m.Login(context.Background(), "admin", "x"); err != nil {
		t.Fatalf("login: %v", err)
	}

	m.Invalidate(context.Background(), "stale")
	if _, ok := m.Current(); !ok {
		t.Fatalf("stale token must not end the session")
	}

	m.Invalidate(context.Background(), "tok")
	if _, ok := m.Current(); ok {
		t.Fatalf("expected session ended")
	}
}

func TestRestore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no token", func(t *testing.T) {
		m, _ := NewManager(&fakeAuth{}, &memStore{})
		if _, err := m.Restore(context.Background()); !errors.Is(err, session.ErrNoSession) {
			t.Fatalf("expected ErrNoSession, got %v", err)
		}
	})

	t.Run("expired token skips hub", func(t *testing.T) {
		auth := &fakeAuth{user: session.User{Username: "admin"}}
		store := &memStore{token: signedToken(t, now.Add(-time.Minute))}
		m, _ := NewManager(auth, store, WithClock(fixedClock{now: now}))

		if _, err := m.Restore(context.Background()); !errors.Is(err, session.ErrAuth) {
			t.Fatalf("expected ErrAuth, got %v", err)
		}
		if auth.meCalls != 0 {
			t.Fatalf("expected no profile call, got %d", auth.meCalls)
		}
		if store.token != "" {
			t.Fatalf("expected expired token cleared")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		auth := &fakeAuth{user: session.User{Username: "admin"}}
		token := signedToken(t, now.Add(time.Hour))
		pub := &recordingPublisher{}
		m, _ := NewManager(auth, &memStore{token: token}, WithClock(fixedClock{now: now}), WithPublisher(pub))

		sess, err := m.Restore(context.Background())
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if sess.Token != token {
			t.Fatalf("unexpected token")
		}
		if len(pub.events) != 1 {
			t.Fatalf("expected Started event")
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		auth := &fakeAuth{meErr: fmt.Errorf("hub: unauthorized: %w", session.ErrAuth)}
		store := &memStore{token: "opaque"}
		m, _ := NewManager(auth, store)

		if _, err := m.Restore(context.Background()); !errors.Is(err, session.ErrAuth) {
			t.Fatalf("expected ErrAuth, got %v", err)
		}
		if store.token != "" {
			t.Fatalf("expected rejected token cleared")
		}
	})

	t.Run("hub unavailable keeps token", func(t *testing.T) {
		hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "booting", http.StatusServiceUnavailable)
		}))
		defer hub.Close()
		client, err := hubapi.NewClient(hub.URL, hubapi.WithHTTPClient(hub.Client()))
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		store := &memStore{token: "opaque"}
		m, _ := NewManager(client, store)

		_, err = m.Restore(context.Background())
		if err == nil || errors.Is(err, session.ErrAuth) {
			t.Fatalf("expected a non-auth error, got %v", err)
		}
		if store.token != "opaque" {
			t.Fatalf("token cleared after 503: %q", store.token)
		}
		if _, ok := m.Current(); ok {
			t.Fatalf("expected no session after failed restore")
		}

		// A retry once the hub is back works with the same token.
		auth := &fakeAuth{user: session.User{Username: "admin", FullName: "Demo Admin"}}
		m, _ = NewManager(auth, store)
		if _, err := m.Restore(context.Background()); err != nil {
			t.Fatalf("retry restore: %v", err)
		}
	})

	t.Run("transport error keeps token", func(t *testing.T) {
		auth := &fakeAuth{meErr: errors.New("dial tcp: connection refused")}
		store := &memStore{token: "opaque"}
		m, _ := NewManager(auth, store)

		if _, err := m.Restore(context.Background()); err == nil || errors.Is(err, session.ErrAuth) {
			t.Fatalf("expected a non-auth error, got %v", err)
		}
		if store.token != "opaque" {
			t.Fatalf("token cleared after transport error")
		}
	})
}

func TestTokenExpiry_Opaque(t *testing.T) {
	if exp := tokenExpiry("not-a-jwt"); !exp.IsZero() {
		t.Fatalf("expected zero expiry, got %v", exp)
	}
}
