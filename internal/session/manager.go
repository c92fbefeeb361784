package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lmst/attendance-admin-client/internal/authapi"
	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unauthenticated"
	}
}

// SessionExpiredToastID is shared by every session-expired notice so
// repeated teardowns show one toast.
const SessionExpiredToastID = "session-expired"

// AuthAPI is the set of authentication endpoints the manager consumes.
type AuthAPI interface {
	Login(ctx context.Context, creds domain.Credentials) (*domain.SessionPayload, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.SessionPayload, error)
	Me(ctx context.Context, accessToken string) (*domain.Profile, error)
	Logout(ctx context.Context, accessToken string) error
}

type Options struct {
	Logger *slog.Logger
	Toasts toast.Pusher
	// Redirect is told where the user should go next, usually the login path.
	Redirect  func(ctx context.Context, path string)
	LoginPath string
	Now       func() time.Time
}

type LogoutOptions struct {
	// RedirectTo defaults to the login path.
	RedirectTo string
	NoRedirect bool
}

type Manager struct {
	store *TokenStore
	api   AuthAPI

	logger    *slog.Logger
	toasts    toast.Pusher
	redirect  func(ctx context.Context, path string)
	loginPath string
	now       func() time.Time

	group singleflight.Group

	mu             sync.RWMutex
	state          State
	lastRefreshErr error
	observers      []func(*domain.Profile)
}

func NewManager(store *TokenStore, api AuthAPI, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     store,
		api:       api,
		logger:    opts.Logger,
		toasts:    opts.Toasts,
		redirect:  opts.Redirect,
		loginPath: opts.LoginPath,
		now:       opts.Now,
	}
}

var tracer = otel.Tracer("github.com/lmst/attendance-admin-client/internal/session")

func (m *Manager) Login(ctx context.Context, creds domain.Credentials) (*domain.SessionPayload, error) {
	ctx, span := tracer.Start(ctx, "session.login")
	defer span.End()
	m.Hydrate(ctx)

	prev := m.transition(Authenticating)
	payload, err := m.api.Login(ctx, creds)
	if err != nil {
		m.transition(prev)
		observability.RecordSessionLogin("rejected")
		span.SetStatus(codes.Error, "login failed")
		loginErr := &LoginError{Message: authapi.ResolveMessage(err, err.Error()), Err: err}
		m.logger.Info("login failed", "email", creds.Email, "error", err)
		return nil, loginErr
	}

	token := m.tokenFromPayload(payload)
	if err := m.store.Write(ctx, token, payload.User); err != nil {
		m.logger.Warn("persist session failed", "error", err)
	}
	m.transition(Authenticated)
	m.recordRefreshErr(nil)
	observability.RecordSessionLogin("success")
	observability.Audit(ctx, "session.login", "user_id", profileID(payload.User))
	m.notify(payload.User)
	return payload, nil
}

// Logout revokes server-side on a best-effort basis and always clears the
// local session.
func (m *Manager) Logout(ctx context.Context, opts LogoutOptions) {
	m.Hydrate(ctx)
	snap := m.store.Current()
	status := "local_only"
	if access := snap.AccessToken(); access != "" {
		if err := m.api.Logout(ctx, access); err != nil {
			m.logger.Warn("failed to revoke tokens on logout", "error", err)
			status = "revoke_failed"
		} else {
			status = "success"
		}
	}
	m.teardown(ctx)
	observability.RecordSessionLogout(status)
	observability.Audit(ctx, "session.logout", "user_id", profileID(snap.Profile), "status", status)

	if opts.NoRedirect {
		return
	}
	target := opts.RedirectTo
	if target == "" {
		target = m.loginPath
	}
	m.redirectTo(ctx, target)
}

// EnsureSession reports whether a usable session with a cached profile
// exists, fetching the profile when only tokens are present.
func (m *Manager) EnsureSession(ctx context.Context) bool {
	m.Hydrate(ctx)
	snap := m.store.Current()
	if snap.AccessToken() == "" {
		return false
	}
	if snap.Profile != nil {
		return true
	}
	if _, err := m.LoadProfile(ctx); err != nil {
		m.logger.Error("failed to hydrate user profile", "error", err)
		return false
	}
	return m.store.Current().Profile != nil
}

// LoadProfile fetches /me and caches the result. Concurrent callers share
// one request. A failure invalidates the session.
func (m *Manager) LoadProfile(ctx context.Context) (*domain.Profile, error) {
	m.Hydrate(ctx)
	access := m.store.Current().AccessToken()
	if access == "" {
		return nil, ErrNotAuthenticated
	}
	ch := m.group.DoChan("profile:"+access, func() (any, error) {
		return m.loadProfile(context.WithoutCancel(ctx), access)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Profile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) loadProfile(ctx context.Context, access string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "session.load_profile")
	defer span.End()
	profile, err := m.api.Me(ctx, access)
	if err != nil {
		span.SetStatus(codes.Error, "profile fetch failed")
		m.expire(ctx, "profile_fetch_failed")
		return nil, fmt.Errorf("%w: fetch profile: %w", ErrSessionInvalid, err)
	}
	if err := m.store.SetProfile(ctx, profile); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return nil, err
		}
		m.logger.Warn("persist profile failed", "error", err)
	}
	m.notify(profile)
	return profile, nil
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers
// share one round-trip and its outcome. Any failure ends the session.
func (m *Manager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	return m.coalescedRefresh(ctx, "", true)
}

// Renew is the recovery entry point for a request rejected with stale.
// When the session already moved past stale it answers from memory.
func (m *Manager) Renew(ctx context.Context, stale string) (*oauth2.Token, error) {
	m.Hydrate(ctx)
	if tok, err := m.settled(stale); tok != nil || err != nil {
		return tok, err
	}
	return m.coalescedRefresh(ctx, stale, false)
}

func (m *Manager) coalescedRefresh(ctx context.Context, stale string, force bool) (*oauth2.Token, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), stale, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settled reports the outcome of a renewal that already finished after
// stale was rejected. Both results are nil when a refresh is still needed.
func (m *Manager) settled(stale string) (*oauth2.Token, error) {
	current := m.store.Current()
	access := current.AccessToken()
	switch {
	case access == stale:
		return nil, nil
	case access != "":
		return current.Token, nil
	case stale != "":
		return nil, m.sessionGoneError()
	}
	return nil, nil
}

func (m *Manager) refresh(ctx context.Context, stale string, force bool) (*oauth2.Token, error) {
	ctx, span := tracer.Start(ctx, "session.refresh")
	defer span.End()
	m.Hydrate(ctx)
	if !force {
		if tok, err := m.settled(stale); tok != nil || err != nil {
			return tok, err
		}
	}
	snap := m.store.Current()

	if snap.Token == nil || snap.Token.RefreshToken == "" {
		observability.RecordSessionRefresh("no_refresh_token")
		span.SetStatus(codes.Error, "no refresh token")
		err := m.recordRefreshErr(fmt.Errorf("%w: %w", ErrSessionInvalid, ErrNoRefreshToken))
		m.expire(ctx, "no_refresh_token")
		return nil, err
	}

	prev := m.transition(Refreshing)
	span.SetAttributes(attribute.String("session.previous_state", prev.String()))
	payload, err := m.api.Refresh(ctx, snap.Token.RefreshToken)
	if err != nil {
		observability.RecordSessionRefresh("error")
		span.SetStatus(codes.Error, "refresh rejected")
		m.logger.Error("token refresh failed", "error", err)
		sessionErr := m.recordRefreshErr(fmt.Errorf("%w: refresh: %w", ErrSessionInvalid, err))
		m.expire(ctx, "refresh_failed")
		return nil, sessionErr
	}

	profile := payload.User
	if profile == nil {
		profile = snap.Profile
	}
	token := m.tokenFromPayload(payload)
	if err := m.store.Write(ctx, token, profile); err != nil {
		m.logger.Warn("persist refreshed session failed", "error", err)
	}
	m.transition(Authenticated)
	observability.RecordSessionRefresh("success")
	observability.Audit(ctx, "session.refresh", "user_id", profileID(profile))
	m.notify(profile)
	return token, nil
}

// CurrentCredential never performs I/O.
func (m *Manager) CurrentCredential() string {
	return m.store.Current().AccessToken()
}

func (m *Manager) Token() *oauth2.Token {
	return m.store.Current().Token
}

func (m *Manager) Profile() *domain.Profile {
	return m.store.Current().Profile
}

func (m *Manager) IsAuthenticated() bool {
	return m.CurrentCredential() != ""
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Hydrate loads persisted credentials if that has not happened yet. A
// restored session with a cached profile is announced to identity
// observers once.
func (m *Manager) Hydrate(ctx context.Context) {
	m.store.Hydrate(ctx)
	snap := m.store.Current()
	if snap.AccessToken() == "" {
		return
	}
	m.mu.Lock()
	restored := m.state == Unauthenticated
	if restored {
		m.state = Authenticated
	}
	m.mu.Unlock()
	if restored && snap.Profile != nil {
		m.notify(snap.Profile)
	}
}

// OnIdentityChange registers fn to receive the profile after every login,
// refresh, profile reload and teardown (nil).
func (m *Manager) OnIdentityChange(fn func(*domain.Profile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Expire tears the session down and tells the user to sign in again.
func (m *Manager) Expire(ctx context.Context, reason string) {
	m.expire(ctx, reason)
}

func (m *Manager) expire(ctx context.Context, reason string) {
	m.teardown(ctx)
	observability.Audit(ctx, "session.expired", "reason", reason)
	if m.toasts != nil {
		m.toasts.Push(toast.Toast{
			ID:      SessionExpiredToastID,
			Variant: toast.VariantWarning,
			Title:   "Session expired",
			Message: "Please sign in again to continue.",
		})
	}
	m.redirectTo(ctx, m.loginPath)
}

func (m *Manager) teardown(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clear persisted session failed", "error", err)
	}
	m.transition(Unauthenticated)
	m.notify(nil)
}

func (m *Manager) transition(next State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = next
	return prev
}

func (m *Manager) recordRefreshErr(err error) error {
	m.mu.Lock()
	m.lastRefreshErr = err
	m.mu.Unlock()
	return err
}

func (m *Manager) sessionGoneError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastRefreshErr != nil {
		return m.lastRefreshErr
	}
	return ErrSessionInvalid
}

func (m *Manager) notify(profile *domain.Profile) {
	m.mu.RLock()
	observers := append([]func(*domain.Profile){}, m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(profile)
	}
}

func (m *Manager) redirectTo(ctx context.Context, path string) {
	if m.redirect != nil && path != "" {
		m.redirect(ctx, path)
	}
}

func (m *Manager) tokenFromPayload(p *domain.SessionPayload) *oauth2.Token {
	expiry := p.ExpiresAt(m.now())
	if expiry.IsZero() {
		expiry = expiryFromJWT(p.AccessToken)
	}
	tokenType := p.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    tokenType,
		Expiry:       expiry,
	}
}

func profileID(p *domain.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID
}
