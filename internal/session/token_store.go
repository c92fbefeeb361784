package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/storage"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Snapshot is one consistent view of the credential pair and profile.
// Neither pointer is mutated after it is published.
type Snapshot struct {
	Token   *oauth2.Token
	Profile *domain.Profile
}

func (s Snapshot) AccessToken() string {
	if s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

type TokenStoreOptions struct {
	KeyPrefix  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenStore struct {
	kv     storage.KeyValueStore
	logger *slog.Logger

	accessKey  string
	refreshKey string
	profileKey string
	accessTTL  time.Duration
	refreshTTL time.Duration

	hydrateOnce sync.Once

	// persistMu orders storage writes so the persisted keys end up matching
	// the last published snapshot.
	persistMu sync.Mutex

	mu      sync.RWMutex
	snap    Snapshot
	written bool
}

func NewTokenStore(kv storage.KeyValueStore, logger *slog.Logger, opts TokenStoreOptions) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "lmst_"
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	return &TokenStore{
		kv:         kv,
		logger:     logger,
		accessKey:  opts.KeyPrefix + "access_token",
		refreshKey: opts.KeyPrefix + "refresh_token",
		profileKey: opts.KeyPrefix + "user",
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
	}
}

// Hydrate loads persisted state once per process. Read failures and a
// corrupt profile are logged and treated as absent. A profile without
// tokens is ignored.
func (s *TokenStore) Hydrate(ctx context.Context) {
	s.hydrateOnce.Do(func() {
		loaded := s.load(ctx)
		s.mu.Lock()
		if !s.written {
			s.snap = loaded
		}
		s.mu.Unlock()
	})
}

func (s *TokenStore) load(ctx context.Context) Snapshot {
	access := s.read(ctx, s.accessKey)
	refresh := s.read(ctx, s.refreshKey)
	var snap Snapshot
	switch {
	case access != "" && refresh == "":
		s.logger.Warn("discarding persisted access token without refresh token")
	case access != "" || refresh != "":
		snap.Token = &oauth2.Token{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			Expiry:       expiryFromJWT(access),
		}
	}
	if snap.Token == nil {
		return snap
	}
	if raw := s.read(ctx, s.profileKey); raw != "" {
		var profile domain.Profile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			s.logger.Warn("failed to parse cached user data", "error", err)
		} else {
			snap.Profile = &profile
		}
	}
	return snap
}

func (s *TokenStore) read(ctx context.Context, key string) string {
	value, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("state store read failed", "key", key, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

// Current is a synchronous in-memory read.
func (s *TokenStore) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Write publishes token and profile in one swap, then persists them. The
// returned error only reports persistence; the in-memory session is live.
func (s *TokenStore) Write(ctx context.Context, token *oauth2.Token, profile *domain.Profile) error {
	if token == nil || token.AccessToken == "" || token.RefreshToken == "" {
		return errors.New("write session: access and refresh token are required")
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.snap = Snapshot{Token: token, Profile: profile}
	s.written = true
	s.mu.Unlock()

	var errs []error
	if err := s.kv.Set(ctx, s.accessKey, token.AccessToken, s.accessTTL); err != nil {
		errs = append(errs, fmt.Errorf("persist access token: %w", err))
	}
	if err := s.kv.Set(ctx, s.refreshKey, token.RefreshToken, s.refreshTTL); err != nil {
		errs = append(errs, fmt.Errorf("persist refresh token: %w", err))
	}
	if err := s.persistProfile(ctx, profile); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetProfile swaps the cached profile and keeps the credential pair. It
// refuses when there is no access token so a late profile fetch cannot
// resurrect part of a cleared session.
func (s *TokenStore) SetProfile(ctx context.Context, profile *domain.Profile) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	if s.snap.AccessToken() == "" {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	s.snap = Snapshot{Token: s.snap.Token, Profile: profile}
	s.written = true
	s.mu.Unlock()
	return s.persistProfile(ctx, profile)
}

// Clear drops all three values from memory in one swap, then from storage.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.snap = Snapshot{}
	s.written = true
	s.mu.Unlock()
	if err := s.kv.Delete(ctx, s.accessKey, s.refreshKey, s.profileKey); err != nil {
		return fmt.Errorf("clear persisted session: %w", err)
	}
	return nil
}

func (s *TokenStore) persistProfile(ctx context.Context, profile *domain.Profile) error {
	if profile == nil {
		if err := s.kv.Delete(ctx, s.profileKey); err != nil {
			return fmt.Errorf("delete cached profile: %w", err)
		}
		return nil
	}
	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.kv.Set(ctx, s.profileKey, string(encoded), 0); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

// expiryFromJWT reads the exp claim without verifying the signature; the
// client only uses it to decide when to renew.
func expiryFromJWT(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
