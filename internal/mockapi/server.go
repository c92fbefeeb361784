package mockapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lmst/attendance-admin-client/internal/domain"
)

const (
	DefaultEmail    = "admin@example.com"
	DefaultPassword = "password"
)

type Config struct {
	Issuer        string
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	AppKey        string
	AppSecret     string
	BcryptCost    int
	// SkipSeed leaves the user table empty.
	SkipSeed bool
	Logger   *slog.Logger
}

// Failures forces endpoints to answer with the given status. Zero disables.
type Failures struct {
	Login         int
	Refresh       int
	Me            int
	Notifications int
	MarkRead      int
	// RefreshDelay holds every refresh open so concurrent callers overlap.
	RefreshDelay time.Duration
}

type Stats struct {
	Logins           int64
	Refreshes        int64
	RefreshRejected  int64
	ProfileFetches   int64
	Logouts          int64
	Unauthorized     int64
	Fetches          int64
	MarkReadCalls    int64
	MarkAllReadCalls int64
	BroadcastAuths   int64
}

type counters struct {
	logins, refreshes, refreshRejected, profileFetches, logouts  atomic.Int64
	unauthorized, fetches, markRead, markAllRead, broadcastAuths atomic.Int64
}

type user struct {
	profile domain.Profile
	hash    []byte
}

// Server is an in-process stand-in for the attendance platform API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	jwt     *JWTManager
	hub     *Hub
	handler http.Handler

	mu            sync.Mutex
	nextID        uint
	users         map[uint]*user
	byEmail       map[string]uint
	refreshTokens map[string]uint
	notifications map[uint][]domain.Notification
	failures      Failures

	stats counters
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "lmst-mockapi"
	}
	if cfg.AccessSecret == "" {
		cfg.AccessSecret = "mockapi-access-secret"
	}
	if cfg.RefreshSecret == "" {
		cfg.RefreshSecret = cfg.AccessSecret + "-refresh"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.AppKey == "" {
		cfg.AppKey = "app-key"
	}
	if cfg.AppSecret == "" {
		cfg.AppSecret = "app-secret"
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.MinCost
	}
	s := &Server{
		cfg:           cfg,
		logger:        cfg.Logger,
		jwt:           NewJWTManager(cfg.Issuer, cfg.AccessSecret, cfg.RefreshSecret),
		hub:           NewHub(cfg.AppKey, cfg.AppSecret, cfg.Logger),
		users:         make(map[uint]*user),
		byEmail:       make(map[string]uint),
		refreshTokens: make(map[string]uint),
		notifications: make(map[uint][]domain.Notification),
	}
	if !cfg.SkipSeed {
		if _, err := s.AddUser(domain.Profile{Name: "School Admin", Email: DefaultEmail, Role: "admin"}, DefaultPassword); err != nil {
			return nil, fmt.Errorf("seed default user: %w", err)
		}
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) AppKey() string { return s.cfg.AppKey }

func (s *Server) Hub() *Hub { return s.hub }

// AddUser registers a user and returns the assigned id.
func (s *Server) AddUser(profile domain.Profile, password string) (uint, error) {
	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" || password == "" {
		return 0, errors.New("email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return 0, fmt.Errorf("user %s already exists", email)
	}
	s.nextID++
	id := s.nextID
	profile.ID = strconv.FormatUint(uint64(id), 10)
	profile.Email = email
	s.users[id] = &user{profile: profile, hash: hash}
	s.byEmail[email] = id
	return id, nil
}

// IssueTokens mints a session for userID directly. A non-positive accessTTL
// yields an access token that is already expired.
func (s *Server) IssueTokens(userID uint, accessTTL time.Duration) (*domain.SessionPayload, error) {
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown user %d", userID)
	}
	if accessTTL == 0 {
		accessTTL = -time.Minute
	}
	return s.issue(u, accessTTL)
}

func (s *Server) issue(u *user, accessTTL time.Duration) (*domain.SessionPayload, error) {
	id, _ := strconv.ParseUint(u.profile.ID, 10, 64)
	access, err := s.jwt.SignAccessToken(uint(id), u.profile.Role, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, jti, err := s.jwt.SignRefreshToken(uint(id), s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	s.mu.Lock()
	s.refreshTokens[jti] = uint(id)
	s.mu.Unlock()

	profile := u.profile
	payload := &domain.SessionPayload{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		User:         &profile,
	}
	if accessTTL > 0 {
		expiresIn := int64(accessTTL / time.Second)
		payload.ExpiresIn = &expiresIn
	}
	return payload, nil
}

// Publish stores n for userID and broadcasts it on the user's private
// channel. It returns the number of live subscribers reached.
func (s *Server) Publish(userID uint, n domain.Notification) int {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.notifications[userID] = append(s.notifications[userID], n)
	s.mu.Unlock()
	return s.hub.Broadcast(UserChannel(userID), "NotificationCreated", n)
}

// UserChannel is the private channel carrying userID's notifications.
func UserChannel(userID uint) string {
	return fmt.Sprintf("private-notifications.user.%d", userID)
}

func (s *Server) SetFailures(f Failures) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = f
}

func (s *Server) Stats() Stats {
	return Stats{
		Logins:           s.stats.logins.Load(),
		Refreshes:        s.stats.refreshes.Load(),
		RefreshRejected:  s.stats.refreshRejected.Load(),
		ProfileFetches:   s.stats.profileFetches.Load(),
		Logouts:          s.stats.logouts.Load(),
		Unauthorized:     s.stats.unauthorized.Load(),
		Fetches:          s.stats.fetches.Load(),
		MarkReadCalls:    s.stats.markRead.Load(),
		MarkAllReadCalls: s.stats.markAllRead.Load(),
		BroadcastAuths:   s.stats.broadcastAuths.Load(),
	}
}

// Notifications returns userID's stored records, newest first.
func (s *Server) Notifications(userID uint) []domain.Notification {
	s.mu.Lock()
	out := append([]domain.Notification(nil), s.notifications[userID]...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Server) failure() Failures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Server) userByID(id uint) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// consumeRefresh marks jti as used. Each refresh token is valid once.
func (s *Server) consumeRefresh(jti string) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refreshTokens[jti]
	if ok {
		delete(s.refreshTokens, jti)
	}
	return id, ok
}

func (s *Server) revokeUser(userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, id := range s.refreshTokens {
		if id == userID {
			delete(s.refreshTokens, jti)
		}
	}
}

// markRead sets read_at on the listed ids (all when ids is nil) that are
// still unread, returning how many changed.
func (s *Server) markRead(userID uint, ids []string) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	list := s.notifications[userID]
	for i := range list {
		if ids != nil {
			if _, ok := want[list[i].ID]; !ok {
				continue
			}
		}
		if list[i].ReadAt == nil {
			readAt := now
			list[i].ReadAt = &readAt
			changed++
		}
	}
	return changed
}

func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
