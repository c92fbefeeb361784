package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/gateway"
	"github.com/lmst/attendance-admin-client/internal/mockapi"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type postCall struct {
	path string
	body any
}

type fakeAPI struct {
	mu      sync.Mutex
	pages   []func(ctx context.Context) (string, error)
	gets    []url.Values
	posts   []postCall
	postErr error
}

func (f *fakeAPI) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	f.mu.Lock()
	f.gets = append(f.gets, query)
	var next func(ctx context.Context) (string, error)
	if len(f.pages) > 0 {
		next = f.pages[0]
		f.pages = f.pages[1:]
	}
	f.mu.Unlock()
	if next == nil {
		return json.Unmarshal([]byte(`{"data":[]}`), out)
	}
	body, err := next(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(domain.UnwrapData([]byte(body)), out)
}

func (f *fakeAPI) PostJSON(ctx context.Context, path string, in, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{path: path, body: in})
	return f.postErr
}

func (f *fakeAPI) queue(pages ...func(ctx context.Context) (string, error)) {
	f.mu.Lock()
	f.pages = append(f.pages, pages...)
	f.mu.Unlock()
}

func page(body string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return body, nil }
}

func failing(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

type toastRecorder struct {
	mu     sync.Mutex
	toasts []toast.Toast
}

func (r *toastRecorder) Push(t toast.Toast) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
	return t.ID
}

func (r *toastRecorder) all() []toast.Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toast.Toast(nil), r.toasts...)
}

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func record(id string, minutes int, extra string) string {
	created := baseTime.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339)
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"id":%q,"title":"t-%s","message":"m","created_at":%q%s}`, id, id, created, extra)
}

func newTestFeed(api API, opts Options) *Feed {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	}
	return NewFeed(api, opts)
}

func assertWindow(t *testing.T, items []domain.Notification, limit int) {
	t.Helper()
	if len(items) > limit {
		t.Fatalf("window holds %d records, limit %d", len(items), limit)
	}
	seen := make(map[string]struct{}, len(items))
	for i, n := range items {
		if _, dup := seen[n.ID]; dup {
			t.Fatalf("duplicate id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		if i > 0 && items[i-1].CreatedAt.Before(n.CreatedAt) {
			t.Fatalf("records %d and %d out of order: %v before %v", i-1, i, items[i-1].CreatedAt, n.CreatedAt)
		}
	}
}

func TestFeedWindowStaysCappedOrderedAndUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	api := &fakeAPI{}
	feed := newTestFeed(api, Options{})
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		records := make([]string, 0, 30)
		for i := 0; i < 30; i++ {
			records = append(records, record(fmt.Sprintf("n-%d", rng.Intn(90)), rng.Intn(600), ""))
		}
		api.queue(page(`{"data":[` + strings.Join(records, ",") + `]}`))
		if err := feed.Fetch(ctx); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		assertWindow(t, feed.Notifications(), DefaultRetain)

		for i := 0; i < 25; i++ {
			if err := feed.Push(json.RawMessage(record(fmt.Sprintf("n-%d", rng.Intn(90)), rng.Intn(600), ""))); err != nil {
				t.Fatalf("push: %v", err)
			}
			assertWindow(t, feed.Notifications(), DefaultRetain)
		}
	}
	if got := len(feed.Notifications()); got != DefaultRetain {
		t.Fatalf("expected a full window of %d, got %d", DefaultRetain, got)
	}
}

func TestFeedKeepsMostRecentAfterCap(t *testing.T) {
	feed := newTestFeed(&fakeAPI{}, Options{Retain: 3})
	for i := 0; i < 5; i++ {
		if err := feed.Push(json.RawMessage(record(fmt.Sprintf("n-%d", i), i, ""))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got := feed.Notifications()
	if len(got) != 3 || got[0].ID != "n-4" || got[2].ID != "n-2" {
		t.Fatalf("unexpected window %+v", got)
	}
}

func TestPushOfKnownIDReplacesRecord(t *testing.T) {
	api := &fakeAPI{}
	api.queue(page(`[` + record("a", 1, "") + `,` + record("b", 2, "") + `]`))
	feed := newTestFeed(api, Options{})
	ctx := context.Background()
	if err := feed.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := feed.MarkRead(ctx, "a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	before := feed.UnreadCount()

	redelivered := fmt.Sprintf(`{"id":"a","title":"updated","created_at":%q}`, baseTime.Add(time.Minute).Format(time.RFC3339))
	if err := feed.Push(json.RawMessage(redelivered)); err != nil {
		t.Fatalf("push: %v", err)
	}
	items := feed.Notifications()
	if len(items) != 2 {
		t.Fatalf("expected replacement, got %d records", len(items))
	}
	var replaced domain.Notification
	for _, n := range items {
		if n.ID == "a" {
			replaced = n
		}
	}
	if replaced.Title != "updated" {
		t.Fatalf("expected replaced title, got %q", replaced.Title)
	}
	if !replaced.IsRead() {
		t.Fatal("read_at must survive a redelivery without it")
	}
	if after := feed.UnreadCount(); after != before {
		t.Fatalf("unread count changed from %d to %d", before, after)
	}
}

func TestEqualTimestampsLatestMergeFirst(t *testing.T) {
	feed := newTestFeed(&fakeAPI{}, Options{})
	_ = feed.Push(json.RawMessage(record("first", 0, "")))
	_ = feed.Push(json.RawMessage(record("second", 0, "")))
	items := feed.Notifications()
	if items[0].ID != "second" || items[1].ID != "first" {
		t.Fatalf("unexpected tie-break order %s, %s", items[0].ID, items[1].ID)
	}
}

func TestMarkReadKeepsLocalStateWhenServerFails(t *testing.T) {
	api := &fakeAPI{postErr: &gateway.Error{StatusCode: 503, Err: errors.New("down")}}
	api.queue(page(`[` + record("a", 1, "") + `,` + record("b", 2, "") + `]`))
	toasts := &toastRecorder{}
	feed := newTestFeed(api, Options{Toasts: toasts})
	ctx := context.Background()
	if err := feed.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	err := feed.MarkRead(ctx, "a")
	if !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("expected ErrSyncFailed, got %v", err)
	}
	for _, n := range feed.Notifications() {
		if n.ID == "a" && !n.IsRead() {
			t.Fatal("optimistic read must not be rolled back")
		}
		if n.ID == "b" && n.IsRead() {
			t.Fatal("untargeted record must stay unread")
		}
	}
	got := toasts.all()
	if len(got) != 1 || got[0].Variant != toast.VariantWarning || got[0].Title != "Unable to reach notifications API" {
		t.Fatalf("unexpected toasts %+v", got)
	}
	if got[0].Message != "Marking locally for now." {
		t.Fatalf("unexpected toast message %q", got[0].Message)
	}
}

func TestMarkReadRoutesByCount(t *testing.T) {
	cases := []struct {
		name     string
		ids      []string
		wantPath string
		wantIDs  []string
	}{
		{name: "single", ids: []string{"a"}, wantPath: "/notifications/a/read"},
		{name: "escaped", ids: []string{"a/b"}, wantPath: "/notifications/a%2Fb/read"},
		{name: "many", ids: []string{"a", "", "b"}, wantPath: "/notifications/read", wantIDs: []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{}
			feed := newTestFeed(api, Options{})
			if err := feed.MarkRead(context.Background(), tc.ids...); err != nil {
				t.Fatalf("mark read: %v", err)
			}
			if len(api.posts) != 1 || api.posts[0].path != tc.wantPath {
				t.Fatalf("unexpected posts %+v", api.posts)
			}
			if tc.wantIDs != nil {
				body, ok := api.posts[0].body.(map[string][]string)
				if !ok || strings.Join(body["ids"], ",") != strings.Join(tc.wantIDs, ",") {
					t.Fatalf("unexpected body %#v", api.posts[0].body)
				}
			}
		})
	}

	api := &fakeAPI{}
	if err := newTestFeed(api, Options{}).MarkRead(context.Background(), ""); err != nil || len(api.posts) != 0 {
		t.Fatalf("expected empty mark read to be a no-op, err=%v posts=%d", err, len(api.posts))
	}
}

func TestMarkReadNeverMovesReadAt(t *testing.T) {
	now := baseTime.Add(48 * time.Hour)
	api := &fakeAPI{}
	readAt := baseTime.Add(2 * time.Minute).Format(time.RFC3339)
	api.queue(page(`[` + record("a", 1, fmt.Sprintf(`"read_at":%q`, readAt)) + `]`))
	feed := newTestFeed(api, Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	_ = feed.Fetch(ctx)
	if err := feed.MarkAllRead(ctx); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	got := feed.Notifications()[0].ReadAt
	if got == nil || got.Format(time.RFC3339) != readAt {
		t.Fatalf("read_at moved to %v", got)
	}
}

func TestMarkAllReadFailureWarns(t *testing.T) {
	api := &fakeAPI{postErr: errors.New("connection refused")}
	api.queue(page(`[` + record("a", 1, "") + `,` + record("b", 2, "") + `]`))
	toasts := &toastRecorder{}
	feed := newTestFeed(api, Options{Toasts: toasts})
	ctx := context.Background()
	_ = feed.Fetch(ctx)

	if err := feed.MarkAllRead(ctx); !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("expected ErrSyncFailed, got %v", err)
	}
	if feed.UnreadCount() != 0 {
		t.Fatalf("expected every record read locally, unread=%d", feed.UnreadCount())
	}
	if len(api.posts) != 1 || api.posts[0].path != "/notifications/mark-all-read" {
		t.Fatalf("unexpected posts %+v", api.posts)
	}
	if len(toasts.all()) != 1 {
		t.Fatalf("expected one warning toast, got %d", len(toasts.all()))
	}
}

func TestFetchFailureFallsBackToSeedsOnlyWhenEmpty(t *testing.T) {
	apiErr := errors.New("dial tcp: connection refused")
	api := &fakeAPI{}
	api.queue(failing(apiErr))
	feed := newTestFeed(api, Options{})
	ctx := context.Background()

	err := feed.Fetch(ctx)
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
	items := feed.Notifications()
	if len(items) != 2 || items[0].ID != "seed-1" || items[1].ID != "seed-2" {
		t.Fatalf("expected seed window, got %+v", items)
	}
	if feed.ErrMessage() != "Unable to load notifications" {
		t.Fatalf("unexpected error message %q", feed.ErrMessage())
	}

	api.queue(page(`[`+record("a", 1, "")+`]`), failing(apiErr))
	if err := feed.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if feed.Err() != nil {
		t.Fatalf("successful fetch must clear the error, got %v", feed.Err())
	}
	before := feed.Notifications()
	if err := feed.Fetch(ctx); err == nil {
		t.Fatal("expected the second failure to surface")
	}
	after := feed.Notifications()
	if len(after) != len(before) {
		t.Fatalf("stale window must be kept, had %d now %d", len(before), len(after))
	}
	if feed.Loading() {
		t.Fatal("loading must reset after the fetch settles")
	}
}

func TestEmptyFirstPageSeeds(t *testing.T) {
	api := &fakeAPI{}
	api.queue(page(`{"data":[]}`))
	feed := newTestFeed(api, Options{})
	if err := feed.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := len(feed.Notifications()); got != 2 {
		t.Fatalf("expected seeds, got %d", got)
	}
	if err := feed.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if len(api.gets) != 1 {
		t.Fatalf("initialize must fetch once, got %d fetches", len(api.gets))
	}
	if api.gets[0].Get("per_page") != "25" {
		t.Fatalf("unexpected page size %q", api.gets[0].Get("per_page"))
	}
}

func TestSeedsGiveWayToRealRecords(t *testing.T) {
	apiErr := errors.New("dial tcp: connection refused")
	cases := []struct {
		name   string
		arrive func(t *testing.T, api *fakeAPI, feed *Feed)
	}{
		{
			name: "fetched page",
			arrive: func(t *testing.T, api *fakeAPI, feed *Feed) {
				api.queue(page(`[` + record("real-1", 1, `"priority":"high"`) + `]`))
				if err := feed.Fetch(context.Background()); err != nil {
					t.Fatalf("fetch: %v", err)
				}
			},
		},
		{
			name: "pushed record",
			arrive: func(t *testing.T, _ *fakeAPI, feed *Feed) {
				if err := feed.Push(json.RawMessage(record("real-1", 1, `"priority":"high"`))); err != nil {
					t.Fatalf("push: %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{}
			api.queue(failing(apiErr))
			feed := newTestFeed(api, Options{})
			if err := feed.Fetch(context.Background()); !errors.Is(err, apiErr) {
				t.Fatalf("expected the transport error, got %v", err)
			}
			if feed.UnreadCount() != 2 {
				t.Fatalf("expected the seed window, unread=%d", feed.UnreadCount())
			}

			tc.arrive(t, api, feed)
			items := feed.Notifications()
			if len(items) != 1 || items[0].ID != "real-1" {
				t.Fatalf("seeds must leave once real records arrive, got %+v", items)
			}
			if feed.UnreadCount() != 1 {
				t.Fatalf("unexpected unread count %d", feed.UnreadCount())
			}
			counts := feed.PriorityCounts()
			if counts[domain.PriorityHigh] != 1 || counts[domain.PriorityMedium] != 0 || counts[domain.PriorityLow] != 0 {
				t.Fatalf("unexpected counts %v", counts)
			}
		})
	}
}

func TestMarkReadKeepsSeedsLocal(t *testing.T) {
	api := &fakeAPI{}
	api.queue(page(`{"data":[]}`))
	feed := newTestFeed(api, Options{})
	ctx := context.Background()
	if err := feed.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := feed.MarkRead(ctx, "seed-1"); err != nil {
		t.Fatalf("mark seed: %v", err)
	}
	if feed.UnreadCount() != 1 {
		t.Fatalf("expected the seed marked locally, unread=%d", feed.UnreadCount())
	}
	if err := feed.Push(json.RawMessage(record("real-1", 1, ""))); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := feed.MarkRead(ctx, "seed-2", "real-1"); err != nil {
		t.Fatalf("mark mixed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.posts) != 1 || api.posts[0].path != "/notifications/real-1/read" {
		t.Fatalf("only real records may reach the server, got %+v", api.posts)
	}
}

func TestOvertakenFetchIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{}
	api.queue(
		func(context.Context) (string, error) {
			<-release
			return `[` + record("old", 1, "") + `]`, nil
		},
		page(`[`+record("new", 2, "")+`]`),
	)
	feed := newTestFeed(api, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- feed.Fetch(ctx) }()
	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.gets) == 1
	})
	if err := feed.Fetch(ctx); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("overtaken fetch must not report an error, got %v", err)
	}
	items := feed.Notifications()
	if len(items) != 1 || items[0].ID != "new" {
		t.Fatalf("expected only the latest response applied, got %+v", items)
	}
}

func TestDerivedViews(t *testing.T) {
	api := &fakeAPI{}
	records := []string{
		record("a", 1, `"priority":"HIGH"`),
		record("b", 2, `"context":{"urgent":true}`),
		record("c", 3, `"priority":"medium"`),
		record("d", 4, ""),
		record("e", 5, `"priority":"bogus"`),
		record("f", 6, ""),
	}
	api.queue(page(`[` + strings.Join(records, ",") + `]`))
	feed := newTestFeed(api, Options{})
	_ = feed.Fetch(context.Background())

	counts := feed.PriorityCounts()
	if counts[domain.PriorityHigh] != 2 || counts[domain.PriorityMedium] != 1 || counts[domain.PriorityLow] != 3 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if recent := feed.Recent(0); len(recent) != DefaultRecent || recent[0].ID != "f" {
		t.Fatalf("unexpected recent %+v", recent)
	}
	if recent := feed.Recent(100); len(recent) != 6 {
		t.Fatalf("expected the whole window, got %d", len(recent))
	}
	if feed.UnreadCount() != 6 {
		t.Fatalf("unexpected unread count %d", feed.UnreadCount())
	}

	empty := newTestFeed(&fakeAPI{}, Options{}).PriorityCounts()
	if len(empty) != 3 {
		t.Fatalf("expected all priorities present, got %v", empty)
	}
}

type subscribeEvent struct {
	op      string
	channel string
}

type fakeSubscriber struct {
	mu       sync.Mutex
	events   []subscribeEvent
	handlers map[string]func(string, json.RawMessage)
	live     map[string]*fakeSubscription
	attempts int
	// failNext fails that many Subscribe calls before err is consulted.
	failNext int
	err      error
}

type fakeSubscription struct {
	owner   *fakeSubscriber
	channel string
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func (s *fakeSubscription) Close() error {
	s.owner.mu.Lock()
	if s.owner.live[s.channel] == s {
		s.owner.events = append(s.owner.events, subscribeEvent{op: "close", channel: s.channel})
		delete(s.owner.handlers, s.channel)
		delete(s.owner.live, s.channel)
	}
	s.owner.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channel string, handler func(string, json.RawMessage)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("connection refused")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.handlers == nil {
		f.handlers = make(map[string]func(string, json.RawMessage))
		f.live = make(map[string]*fakeSubscription)
	}
	f.events = append(f.events, subscribeEvent{op: "open", channel: channel})
	f.handlers[channel] = handler
	s := &fakeSubscription{owner: f, channel: channel, done: make(chan struct{})}
	f.live[channel] = s
	return s, nil
}

// drop ends the live subscription on channel the way a lost connection does.
func (f *fakeSubscriber) drop(channel string) {
	f.mu.Lock()
	s := f.live[channel]
	if s != nil {
		f.events = append(f.events, subscribeEvent{op: "drop", channel: channel})
		delete(f.handlers, channel)
		delete(f.live, channel)
	}
	f.mu.Unlock()
	if s != nil {
		s.once.Do(func() { close(s.done) })
	}
}

func (f *fakeSubscriber) history() []subscribeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeEvent(nil), f.events...)
}

func (f *fakeSubscriber) deliver(channel, event, payload string) {
	f.mu.Lock()
	h := f.handlers[channel]
	f.mu.Unlock()
	if h != nil {
		h(event, json.RawMessage(payload))
	}
}

func TestBindIdentityKeepsOneSubscription(t *testing.T) {
	sub := &fakeSubscriber{}
	feed := newTestFeed(&fakeAPI{}, Options{Subscriber: sub})
	ctx := context.Background()

	steps := []*domain.Profile{{ID: "1"}, {ID: "1"}, {ID: "2"}, nil, nil, {ID: "3"}}
	for _, p := range steps {
		if err := feed.BindIdentity(ctx, p); err != nil {
			t.Fatalf("bind %+v: %v", p, err)
		}
	}
	want := []subscribeEvent{
		{"open", "notifications.user.1"},
		{"close", "notifications.user.1"},
		{"open", "notifications.user.2"},
		{"close", "notifications.user.2"},
		{"open", "notifications.user.3"},
	}
	if fmt.Sprint(sub.events) != fmt.Sprint(want) {
		t.Fatalf("unexpected lifecycle\n got %v\nwant %v", sub.events, want)
	}
	if feed.Channel() != "notifications.user.3" {
		t.Fatalf("unexpected channel %q", feed.Channel())
	}

	sub.deliver("notifications.user.3", "SomethingElse", record("x", 1, ""))
	sub.deliver("notifications.user.3", EventCreated, record("y", 1, ""))
	sub.deliver("notifications.user.3", EventCreated, `not json`)
	items := feed.Notifications()
	if len(items) != 1 || items[0].ID != "y" {
		t.Fatalf("expected only the created event applied, got %+v", items)
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if feed.Channel() != "" {
		t.Fatal("expected no channel after close")
	}
}

func TestBindIdentitySubscribeFailureLeavesNoChannel(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("auth rejected")}
	feed := newTestFeed(&fakeAPI{}, Options{Subscriber: sub})
	if err := feed.BindIdentity(context.Background(), &domain.Profile{ID: "9"}); err == nil {
		t.Fatal("expected subscribe error")
	}
	if feed.Channel() != "" {
		t.Fatalf("expected no channel, got %q", feed.Channel())
	}
}

func TestBindIdentityWithoutSubscriberIsNoop(t *testing.T) {
	feed := newTestFeed(&fakeAPI{}, Options{})
	if err := feed.BindIdentity(context.Background(), &domain.Profile{ID: "1"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if feed.Channel() != "" {
		t.Fatal("expected no channel without a subscriber")
	}
}

func TestDroppedSubscriptionRebindsCurrentUser(t *testing.T) {
	sub := &fakeSubscriber{}
	feed := newTestFeed(&fakeAPI{}, Options{
		Subscriber:        sub,
		RebindInterval:    time.Millisecond,
		RebindMaxInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = feed.Close() })
	if err := feed.BindIdentity(context.Background(), &domain.Profile{ID: "1"}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	sub.mu.Lock()
	sub.failNext = 2
	sub.mu.Unlock()
	sub.drop("notifications.user.1")

	waitFor(t, func() bool { return len(sub.history()) == 3 && feed.Channel() == "notifications.user.1" })
	want := []subscribeEvent{
		{"open", "notifications.user.1"},
		{"drop", "notifications.user.1"},
		{"open", "notifications.user.1"},
	}
	if got := sub.history(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected lifecycle\n got %v\nwant %v", got, want)
	}
	sub.mu.Lock()
	attempts := sub.attempts
	sub.mu.Unlock()
	if attempts != 4 {
		t.Fatalf("expected two failed attempts before the rebind, got %d subscribes", attempts)
	}

	sub.deliver("notifications.user.1", EventCreated, record("live", 1, ""))
	if items := feed.Notifications(); len(items) != 1 || items[0].ID != "live" {
		t.Fatalf("events after the rebind must reach the window, got %+v", items)
	}
}

func TestRebindStopsWhenBindingEnds(t *testing.T) {
	cases := []struct {
		name string
		end  func(feed *Feed) error
	}{
		{name: "logout", end: func(feed *Feed) error { return feed.BindIdentity(context.Background(), nil) }},
		{name: "close", end: func(feed *Feed) error { return feed.Close() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubscriber{}
			feed := newTestFeed(&fakeAPI{}, Options{
				Subscriber:        sub,
				RebindInterval:    time.Millisecond,
				RebindMaxInterval: 2 * time.Millisecond,
			})
			t.Cleanup(func() { _ = feed.Close() })
			if err := feed.BindIdentity(context.Background(), &domain.Profile{ID: "1"}); err != nil {
				t.Fatalf("bind: %v", err)
			}
			sub.mu.Lock()
			sub.failNext = 1 << 20
			sub.mu.Unlock()
			sub.drop("notifications.user.1")
			waitFor(t, func() bool {
				sub.mu.Lock()
				defer sub.mu.Unlock()
				return sub.attempts >= 3
			})

			if err := tc.end(feed); err != nil {
				t.Fatalf("end binding: %v", err)
			}
			sub.mu.Lock()
			sub.failNext = 0
			sub.mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			if feed.Channel() != "" {
				t.Fatalf("expected no channel, got %q", feed.Channel())
			}
			for _, ev := range sub.history()[2:] {
				if ev.op == "open" {
					t.Fatalf("rebind continued after the binding ended: %v", sub.history())
				}
			}
		})
	}
}

func TestIdentityChangeResetsWindow(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{}
	api.queue(
		page(`[`+record("u1-a", 1, "")+`,`+record("u1-b", 2, "")+`]`),
		func(context.Context) (string, error) {
			<-release
			return `[` + record("u1-late", 3, "") + `]`, nil
		},
		page(`[`+record("u2-a", 4, "")+`]`),
	)
	feed := newTestFeed(api, Options{Subscriber: &fakeSubscriber{}})
	t.Cleanup(func() { _ = feed.Close() })
	ctx := context.Background()

	if err := feed.BindIdentity(ctx, &domain.Profile{ID: "1"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := feed.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := feed.BindIdentity(ctx, &domain.Profile{ID: "1"}); err != nil {
		t.Fatalf("rebind same user: %v", err)
	}
	if got := len(feed.Notifications()); got != 2 {
		t.Fatalf("binding the same user must keep the window, got %d", got)
	}

	done := make(chan error, 1)
	go func() { done <- feed.Fetch(ctx) }()
	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.gets) == 2
	})
	if err := feed.BindIdentity(ctx, &domain.Profile{ID: "2"}); err != nil {
		t.Fatalf("bind second user: %v", err)
	}
	if feed.UnreadCount() != 0 || len(feed.Notifications()) != 0 || feed.Loading() {
		t.Fatalf("expected an empty idle window, got %+v", feed.Notifications())
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("fetch for the previous user: %v", err)
	}
	if got := len(feed.Notifications()); got != 0 {
		t.Fatalf("the previous user's late page must be discarded, got %d", got)
	}

	if err := feed.Initialize(ctx); err != nil {
		t.Fatalf("initialize second user: %v", err)
	}
	items := feed.Notifications()
	if len(items) != 1 || items[0].ID != "u2-a" {
		t.Fatalf("unexpected window for the second user %+v", items)
	}
}

type bearerCredentials struct{ token string }

func (b bearerCredentials) Hydrate(context.Context) {}

func (b bearerCredentials) CurrentCredential() string { return b.token }

func (b bearerCredentials) Renew(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("renewal not available")
}

func TestFeedAgainstMockAPI(t *testing.T) {
	srv, err := mockapi.New(mockapi.Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("mock api: %v", err)
	}
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	session, err := srv.IssueTokens(1, time.Hour)
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	for i := 0; i < 3; i++ {
		srv.Publish(1, domain.Notification{
			ID:        fmt.Sprintf("srv-%d", i),
			Title:     "Absent",
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			Priority:  domain.PriorityMedium,
			Audience:  domain.AudienceAdmin,
		})
	}

	gw := gateway.New(bearerCredentials{token: session.AccessToken}, gateway.Options{
		BaseURL:    ts.URL + "/api",
		HTTPClient: ts.Client(),
		Logger:     discardLogger(),
	})
	feed := newTestFeed(gw, Options{})
	ctx := context.Background()
	if err := feed.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	items := feed.Notifications()
	if len(items) != 3 || items[0].ID != "srv-2" || items[0].Audience != domain.AudienceAdmin {
		t.Fatalf("unexpected window %+v", items)
	}

	if err := feed.MarkRead(ctx, "srv-0", "srv-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := feed.MarkRead(ctx, "srv-2"); err != nil {
		t.Fatalf("mark one read: %v", err)
	}
	for _, n := range srv.Notifications(1) {
		if n.ReadAt == nil {
			t.Fatalf("server did not record read for %s", n.ID)
		}
	}

	srv.SetFailures(mockapi.Failures{MarkRead: http.StatusServiceUnavailable})
	_ = feed.Push(json.RawMessage(record("local", 10, "")))
	if err := feed.MarkRead(ctx, "local"); !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("expected ErrSyncFailed, got %v", err)
	}
	if feed.UnreadCount() != 0 {
		t.Fatalf("expected local read state kept, unread=%d", feed.UnreadCount())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
