package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/mockapi"
	"github.com/lmst/attendance-admin-client/internal/session"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newBackend(t *testing.T) (*mockapi.Server, *httptest.Server) {
	t.Helper()
	srv, err := mockapi.New(mockapi.Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("mock api: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func testConfig(t *testing.T, srv *mockapi.Server, ts *httptest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	cfg := config.Default()
	cfg.APIBaseURL = ts.URL + "/api"
	cfg.BroadcastAuthEndpoint = ts.URL + "/api/broadcasting/auth"
	cfg.StateBackend = config.StateBackendFile
	cfg.StateFilePath = filepath.Join(t.TempDir(), "state.json")
	cfg.RealtimeDriver = config.RealtimeDriverPusher
	cfg.ReverbAppKey = srv.AppKey()
	cfg.ReverbHost = host
	cfg.ReverbPort, _ = strconv.Atoi(port)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type redirects struct {
	mu    sync.Mutex
	paths []string
}

func (r *redirects) record(_ context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func build(t *testing.T, cfg *config.Config, redirect Redirect, sink ToastSink) *App {
	t.Helper()
	a, cleanup, err := Build(cfg, discardLogger(), nil, redirect, sink)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		cleanup()
	})
	return a
}

func TestBuildWiresSessionFeedAndLiveChannel(t *testing.T) {
	srv, ts := newBackend(t)
	cfg := testConfig(t, srv, ts)
	nav := &redirects{}
	a := build(t, cfg, nav.record, nil)
	ctx := context.Background()

	if a.Start(ctx) {
		t.Fatal("expected no session before login")
	}
	if _, err := a.Session.Login(ctx, domain.Credentials{Email: mockapi.DefaultEmail, Password: mockapi.DefaultPassword}); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return a.Feed.Channel() == "notifications.user.1" })

	srv.Publish(1, domain.Notification{ID: "live", Title: "Bus delayed", CreatedAt: time.Now().UTC()})
	waitFor(t, func() bool { return a.Feed.UnreadCount() == 1 })

	a.Session.Logout(ctx, session.LogoutOptions{})
	waitFor(t, func() bool { return a.Feed.Channel() == "" })
	if n := len(a.Feed.Notifications()); n != 0 {
		t.Fatalf("logout must clear the previous user's window, got %d records", n)
	}
	waitFor(t, func() bool { return srv.Hub().Subscribers(mockapi.UserChannel(1)) == 0 })
	nav.mu.Lock()
	defer nav.mu.Unlock()
	if len(nav.paths) != 1 || nav.paths[0] != cfg.LoginPath {
		t.Fatalf("unexpected redirects %v", nav.paths)
	}
}

func TestStartRestoresPersistedSession(t *testing.T) {
	srv, ts := newBackend(t)
	cfg := testConfig(t, srv, ts)
	ctx := context.Background()

	first, cleanup, err := Build(cfg, discardLogger(), nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := first.Session.Login(ctx, domain.Credentials{Email: mockapi.DefaultEmail, Password: mockapi.DefaultPassword}); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = first.Close()
	cleanup()

	srv.Publish(1, domain.Notification{ID: "stored", Title: "Report", CreatedAt: time.Now().UTC()})
	second := build(t, cfg, nil, nil)
	if !second.Start(ctx) {
		t.Fatal("expected the persisted session to be restored")
	}
	if got := second.Feed.Notifications(); len(got) != 1 || got[0].ID != "stored" {
		t.Fatalf("expected the first page loaded, got %+v", got)
	}
	waitFor(t, func() bool { return second.Feed.Channel() == "notifications.user.1" })
	if srv.Stats().ProfileFetches != 0 {
		t.Fatalf("cached profile must avoid /me, got %d fetches", srv.Stats().ProfileFetches)
	}
}

func TestGatewayFaultsReachToastSink(t *testing.T) {
	srv, ts := newBackend(t)
	cfg := testConfig(t, srv, ts)
	cfg.RealtimeDriver = config.RealtimeDriverNone
	var (
		mu   sync.Mutex
		seen []toast.Toast
	)
	a := build(t, cfg, nil, func(tt toast.Toast) {
		mu.Lock()
		seen = append(seen, tt)
		mu.Unlock()
	})
	ctx := context.Background()
	if _, err := a.Session.Login(ctx, domain.Credentials{Email: mockapi.DefaultEmail, Password: mockapi.DefaultPassword}); err != nil {
		t.Fatalf("login: %v", err)
	}
	srv.SetFailures(mockapi.Failures{Notifications: 503})
	if err := a.Feed.Fetch(ctx); err == nil {
		t.Fatal("expected fetch failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Variant != toast.VariantError || seen[0].Message != "Notifications are unavailable." {
		t.Fatalf("unexpected toasts %+v", seen)
	}
	if got := len(a.Feed.Notifications()); got != 2 {
		t.Fatalf("expected seed fallback, got %d records", got)
	}
}

func TestProvideStateStoreBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  func(*config.Config)
	}{
		{name: "memory", cfg: func(c *config.Config) { c.StateBackend = config.StateBackendMemory }},
		{name: "file", cfg: func(c *config.Config) {
			c.StateBackend = config.StateBackendFile
			c.StateFilePath = filepath.Join(dir, "state.json")
		}},
		{name: "sql", cfg: func(c *config.Config) {
			c.StateBackend = config.StateBackendSQL
			c.StateSQLDSN = filepath.Join(dir, "state.db")
		}},
		{name: "redis", cfg: func(c *config.Config) {
			c.StateBackend = config.StateBackendRedis
			c.RedisAddr = mr.Addr()
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.cfg(cfg)
			rdb, closeRedis, err := provideRedisClient(cfg)
			if err != nil {
				t.Fatalf("redis client: %v", err)
			}
			defer closeRedis()
			kv, cleanup, err := provideStateStore(cfg, rdb)
			if err != nil {
				t.Fatalf("state store: %v", err)
			}
			defer cleanup()

			ctx := context.Background()
			if err := kv.Set(ctx, "k", "v", time.Minute); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, ok, err := kv.Get(ctx, "k")
			if err != nil || !ok || got != "v" {
				t.Fatalf("get=%q ok=%v err=%v", got, ok, err)
			}
		})
	}

	cfg := config.Default()
	cfg.StateBackend = "etcd"
	if _, _, err := provideStateStore(cfg, nil); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestProvideRedisClientOnlyWhenNeeded(t *testing.T) {
	cfg := config.Default()
	cfg.StateBackend = config.StateBackendMemory
	rdb, cleanup, err := provideRedisClient(cfg)
	defer cleanup()
	if err != nil || rdb != nil {
		t.Fatalf("expected no redis client, got %v (%v)", rdb, err)
	}
	cfg.RealtimeDriver = config.RealtimeDriverRedis
	rdb, cleanup2, err := provideRedisClient(cfg)
	defer cleanup2()
	if err != nil || rdb == nil {
		t.Fatalf("expected a redis client for the redis driver, err=%v", err)
	}
}
