package adminctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/mockapi"
	"github.com/lmst/attendance-admin-client/internal/tools/common"
)

func newBackend(t *testing.T) *mockapi.Server {
	t.Helper()
	srv, err := mockapi.New(mockapi.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("mock api: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	dir := t.TempDir()
	t.Setenv("API_BASE_URL", ts.URL+"/api")
	t.Setenv("STATE_BACKEND", "file")
	t.Setenv("STATE_FILE_PATH", filepath.Join(dir, "state.json"))
	t.Setenv("REALTIME_DRIVER", "none")
	t.Setenv("OTEL_METRICS_ENABLED", "false")
	t.Setenv("OTEL_TRACING_ENABLED", "false")
	t.Setenv("OTEL_LOGS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")
	return srv
}

func runCI(t *testing.T, args ...string) (common.CIResult, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--ci", "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()

	var res common.CIResult
	line := strings.TrimSpace(out.String())
	if line == "" {
		return res, err
	}
	if decodeErr := json.Unmarshal([]byte(line), &res); decodeErr != nil {
		t.Fatalf("decode ci output %q: %v", line, decodeErr)
	}
	return res, err
}

func hasDetail(res common.CIResult, substr string) bool {
	for _, d := range res.Details {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

func TestSessionLifecycleCommands(t *testing.T) {
	srv := newBackend(t)

	res, err := runCI(t, "whoami")
	if !errors.Is(err, ErrSignInRequired) || res.OK {
		t.Fatalf("expected sign-in required before login, got %+v (%v)", res, err)
	}

	res, err = runCI(t, "login", "--email", mockapi.DefaultEmail, "--password", mockapi.DefaultPassword)
	if err != nil || !res.OK || !hasDetail(res, "School Admin") {
		t.Fatalf("login: %+v (%v)", res, err)
	}

	res, err = runCI(t, "whoami")
	if err != nil || !hasDetail(res, "<"+mockapi.DefaultEmail+">") || !hasDetail(res, "initials SA") {
		t.Fatalf("whoami: %+v (%v)", res, err)
	}
	if srv.Stats().ProfileFetches != 0 {
		t.Fatalf("whoami should use the cached profile, got %d fetches", srv.Stats().ProfileFetches)
	}

	if res, err = runCI(t, "logout"); err != nil || !res.OK {
		t.Fatalf("logout: %+v (%v)", res, err)
	}
	if _, err = runCI(t, "whoami"); !errors.Is(err, ErrSignInRequired) {
		t.Fatalf("expected the stored session cleared, got %v", err)
	}
}

func TestLoginWithWrongPasswordFails(t *testing.T) {
	newBackend(t)
	res, err := runCI(t, "login", "--email", mockapi.DefaultEmail, "--password", "nope")
	if err == nil || res.OK || res.Error == "" {
		t.Fatalf("expected login failure, got %+v (%v)", res, err)
	}
}

func TestLoginPasswordFromEnvironment(t *testing.T) {
	newBackend(t)
	t.Setenv("ADMINCTL_PASSWORD", mockapi.DefaultPassword)
	if res, err := runCI(t, "login", "--email", mockapi.DefaultEmail); err != nil || !res.OK {
		t.Fatalf("login: %+v (%v)", res, err)
	}
}

func TestNotificationCommands(t *testing.T) {
	srv := newBackend(t)
	if _, err := runCI(t, "notifications", "list"); !errors.Is(err, ErrSignInRequired) {
		t.Fatalf("expected sign-in required, got %v", err)
	}
	if _, err := runCI(t, "login", "--email", mockapi.DefaultEmail, "--password", mockapi.DefaultPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	now := time.Now().UTC()
	srv.Publish(1, domain.Notification{ID: "n-1", Title: "Absence reported", Priority: domain.PriorityHigh, CreatedAt: now.Add(-time.Minute)})
	srv.Publish(1, domain.Notification{ID: "n-2", Title: "Report ready", CreatedAt: now})

	res, err := runCI(t, "notifications", "list", "--limit", "1")
	if err != nil || !hasDetail(res, "unread 2 of 2") {
		t.Fatalf("list: %+v (%v)", res, err)
	}
	if !hasDetail(res, "(n-2)") || hasDetail(res, "(n-1)") {
		t.Fatalf("expected only the newest record printed: %+v", res.Details)
	}

	if res, err = runCI(t, "notifications", "read", "n-1"); err != nil || !res.OK {
		t.Fatalf("read: %+v (%v)", res, err)
	}
	if res, err = runCI(t, "notifications", "list"); err != nil || !hasDetail(res, "unread 1 of 2") {
		t.Fatalf("list after read: %+v (%v)", res, err)
	}

	if res, err = runCI(t, "notifications", "mark-all-read"); err != nil || !hasDetail(res, "unread now 0") {
		t.Fatalf("mark-all-read: %+v (%v)", res, err)
	}
}

func TestNotificationsListReportsFaultToasts(t *testing.T) {
	srv := newBackend(t)
	if _, err := runCI(t, "login", "--email", mockapi.DefaultEmail, "--password", mockapi.DefaultPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	srv.SetFailures(mockapi.Failures{Notifications: 503})
	res, err := runCI(t, "notifications", "list")
	if err == nil || res.OK {
		t.Fatalf("expected list failure, got %+v", res)
	}
	if !hasDetail(res, "showing cached data") || !hasDetail(res, "[error] Request failed") {
		t.Fatalf("expected fallback and toast details: %+v", res.Details)
	}
}

func TestLoadgenCommand(t *testing.T) {
	newBackend(t)
	if _, err := runCI(t, "login", "--email", mockapi.DefaultEmail, "--password", mockapi.DefaultPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	res, err := runCI(t, "loadgen", "--profile", "feed", "--duration", "300ms", "--rps", "50", "--concurrency", "2")
	if err != nil || !res.OK || !hasDetail(res, "2xx=") || !hasDetail(res, "failures=0") {
		t.Fatalf("loadgen: %+v (%v)", res, err)
	}
}
