package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mobility-hub/internal/observability/metrics"
	session "mobility-hub/internal/session/domain"
)

// Authenticator performs the two hub exchanges behind a login.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Me(ctx context.Context, token string) (session.User, error)
}

// TokenStore persists the access token across process restarts.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Publisher publishes session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manager owns the token and current user. It is the single writer of
// session state; readers get copies.
type Manager struct {
	auth      Authenticator
	store     TokenStore
	publisher Publisher
	clock     Clock
	logger    *slog.Logger

	// opMu serializes login, logout, restore and invalidation.
	opMu sync.Mutex

	mu      sync.RWMutex
	current *session.Session
}

// Option configures the manager.
type Option func(*Manager)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(publisher Publisher) Option {
	return func(m *Manager) {
		if publisher != nil {
			m.publisher = publisher
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager.
func NewManager(auth Authenticator, store TokenStore, opts ...Option) (*Manager, error) {
	if auth == nil {
		return nil, errors.New("session manager: nil authenticator")
	}
	if store == nil {
		return nil, errors.New("session manager: nil token store")
	}
	m := &Manager{
		auth:   auth,
		store:  store,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Login exchanges credentials for a token, then fetches the profile. Both
// steps must succeed; any failure yields session.ErrAuth and no session.
func (m *Manager) Login(ctx context.Context, username, password string) (session.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	sess, err := m.authenticate(ctx, username, password)
	if err != nil {
		metrics.IncLogin(metrics.ResultError)
		m.logger.Warn("login failed", "username", username, "err", err)
		return session.Session{}, fmt.Errorf("%w: %w", session.ErrAuth, err)
	}

	if err := m.store.Save(ctx, sess.Token); err != nil {
		m.logger.Warn("persist token failed", "err", err)
	}

	m.install(ctx, sess)
	metrics.IncLogin(metrics.ResultSuccess)
	m.logger.Info("logged in", "username", sess.User.Username)
	return sess, nil
}

func (m *Manager) authenticate(ctx context.Context, username, password string) (session.Session, error) {
	token, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return session.Session{}, err
	}
	return m.resolve(ctx, token)
}

func (m *Manager) resolve(ctx context.Context, token string) (session.Session, error) {
	user, err := m.auth.Me(ctx, token)
	if err != nil {
		return session.Session{}, err
	}
	sess := session.Session{
		Token:     token,
		User:      user,
		ExpiresAt: tokenExpiry(token),
	}
	if !sess.Valid() {
		return session.Session{}, errors.New("incomplete session")
	}
	return sess, nil
}

// Restore re-establishes the persisted session, if any. An expired or
// rejected token is cleared from the store. Any other failure keeps the token
// so a later Restore can retry.
func (m *Manager) Restore(ctx context.Context) (session.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	token, err := m.store.Load(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("session manager: load token: %w", err)
	}
	if token == "" {
		return session.Session{}, session.ErrNoSession
	}

	if persisted := (session.Session{Token: token, ExpiresAt: tokenExpiry(token)}); persisted.Expired(m.clock.Now()) {
		m.clearStore(ctx)
		metrics.IncLogin(metrics.ResultUnauthorized)
		m.logger.Info("persisted token expired", "expired_at", persisted.ExpiresAt)
		return session.Session{}, fmt.Errorf("%w: persisted token expired", session.ErrAuth)
	}

	sess, err := m.resolve(ctx, token)
	if errors.Is(err, session.ErrAuth) {
		m.clearStore(ctx)
		metrics.IncLogin(metrics.ResultUnauthorized)
		m.logger.Info("persisted token rejected", "err", err)
		return session.Session{}, err
	}
	if err != nil {
		metrics.IncLogin(metrics.ResultError)
		m.logger.Warn("restore session failed, token kept", "err", err)
		return session.Session{}, fmt.Errorf("session manager: restore: %w", err)
	}

	m.install(ctx, sess)
	metrics.IncLogin(metrics.ResultSuccess)
	m.logger.Info("session restored", "username", sess.User.Username)
	return sess, nil
}

// Logout clears the in-memory session and the persisted token. It makes no
// hub call and always succeeds.
func (m *Manager) Logout(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.clearStore(ctx)
	m.teardown(ctx, session.EndReasonLogout)
}

// Invalidate ends the session after an authorization failure, but only if
// token still belongs to the current session.
func (m *Manager) Invalidate(ctx context.Context, token string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current == nil || current.Token != token {
		return
	}
	m.clearStore(ctx)
	m.teardown(ctx, session.EndReasonUnauthorized)
	m.logger.Warn("session invalidated by hub", "username", current.User.Username)
}

// Current returns a copy of the current session.
func (m *Manager) Current() (session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return session.Session{}, false
	}
	return *m.current, true
}

func (m *Manager) install(ctx context.Context, sess session.Session) {
	m.mu.Lock()
	previous := m.current
	m.current = &sess
	m.mu.Unlock()

	if previous != nil {
		m.publish(ctx, session.Ended{Username: previous.User.Username, Reason: session.EndReasonReplaced})
	}
	metrics.SetSessionActive(true)
	m.publish(ctx, session.Started{Session: sess})
}

func (m *Manager) teardown(ctx context.Context, reason string) {
	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.mu.Unlock()

	metrics.SetSessionActive(false)
	if previous == nil {
		return
	}
	m.publish(ctx, session.Ended{Username: previous.User.Username, Reason: reason})
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clear persisted token failed", "err", err)
	}
}

func (m *Manager) publish(ctx context.Context, event any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("publish session event failed", "err", err)
	}
}
