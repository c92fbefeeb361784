package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/gateway"
	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

const (
	DefaultPageSize = 25
	DefaultRetain   = 50
	DefaultRecent   = 5

	// EventCreated is the live channel event carrying a new notification.
	EventCreated = "NotificationCreated"

	loadFallbackMessage = "Unable to load notifications"
	syncFallbackMessage = "Marking locally for now."

	defaultRebindInterval    = 500 * time.Millisecond
	defaultRebindMaxInterval = 30 * time.Second
	rebindAttemptTimeout     = 15 * time.Second
)

var (
	ErrSyncFailed = errors.New("notification read state not acknowledged")

	errIdentityChanged = errors.New("bound identity changed")
)

// API is the slice of the request gateway the feed calls.
type API interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, in, out any) error
}

// Subscriber opens live channels. Channel names are given without a
// visibility prefix; the subscriber decides how to authorize them.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (Subscription, error)
}

// Subscription is one open live channel. Done is closed once the channel
// stops delivering, whether through Close or a lost connection.
type Subscription interface {
	Close() error
	Done() <-chan struct{}
}

type Options struct {
	PageSize   int
	Retain     int
	Toasts     toast.Pusher
	Logger     *slog.Logger
	Subscriber Subscriber
	Now        func() time.Time
	NewID      func() string
	// RebindInterval and RebindMaxInterval bound the backoff between
	// attempts to reopen a dropped live channel.
	RebindInterval    time.Duration
	RebindMaxInterval time.Duration
}

// Feed is the retained notification window. The list is only ever changed
// through merge, which keeps it deduplicated, sorted newest first and capped.
type Feed struct {
	api        API
	subscriber Subscriber
	toasts     toast.Pusher
	logger     *slog.Logger
	pageSize   int
	retain     int
	now        func() time.Time
	newID      func() string

	rebindInterval    time.Duration
	rebindMaxInterval time.Duration

	mu           sync.RWMutex
	items        []domain.Notification
	placeholders map[string]struct{}
	seq          uint64
	loading      bool
	initialized  bool
	err          error

	bindMu  sync.Mutex
	user    string
	channel string
	sub     Subscription

	// life ends with Close and stops pending rebinds.
	life     context.Context
	shutdown context.CancelFunc
}

func NewFeed(api API, opts Options) *Feed {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.RebindInterval <= 0 {
		opts.RebindInterval = defaultRebindInterval
	}
	if opts.RebindMaxInterval < opts.RebindInterval {
		opts.RebindMaxInterval = max(defaultRebindMaxInterval, opts.RebindInterval)
	}
	life, shutdown := context.WithCancel(context.Background())
	return &Feed{
		api:               api,
		subscriber:        opts.Subscriber,
		toasts:            opts.Toasts,
		logger:            opts.Logger,
		pageSize:          opts.PageSize,
		retain:            opts.Retain,
		now:               opts.Now,
		newID:             opts.NewID,
		rebindInterval:    opts.RebindInterval,
		rebindMaxInterval: opts.RebindMaxInterval,
		life:              life,
		shutdown:          shutdown,
	}
}

var tracer = otel.Tracer("github.com/lmst/attendance-admin-client/internal/notification")

// Seeds is the placeholder window shown when nothing could be loaded.
func Seeds(now time.Time) []domain.Notification {
	return []domain.Notification{
		{
			ID:        "seed-1",
			Title:     "Attendance Recorded",
			Message:   "Class 5A submitted attendance for today.",
			CreatedAt: now,
			Priority:  domain.PriorityHigh,
			Audience:  domain.AudienceTeacher,
			Context:   map[string]any{"class_name": "5", "section": "A"},
		},
		{
			ID:        "seed-2",
			Title:     "Report Ready",
			Message:   "The monthly attendance report finished exporting.",
			CreatedAt: now.Add(-45 * time.Minute),
			Priority:  domain.PriorityMedium,
			Audience:  domain.AudienceAdmin,
		},
	}
}

// Initialize fetches once; later calls are no-ops.
func (f *Feed) Initialize(ctx context.Context) error {
	f.mu.RLock()
	done := f.initialized
	f.mu.RUnlock()
	if done {
		return nil
	}
	return f.Fetch(ctx)
}

func (f *Feed) Fetch(ctx context.Context) error {
	return f.FetchPage(ctx, f.pageSize)
}

// FetchPage loads the newest perPage records and merges them into the
// window. A response overtaken by a later fetch is dropped without error.
func (f *Feed) FetchPage(ctx context.Context, perPage int) error {
	if perPage <= 0 {
		perPage = f.pageSize
	}
	ctx, span := tracer.Start(ctx, "notification.fetch", trace.WithAttributes(attribute.Int("per_page", perPage)))
	defer span.End()

	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.loading = true
	f.err = nil
	f.mu.Unlock()

	var body json.RawMessage
	callErr := f.api.GetJSON(ctx, "/notifications", url.Values{"per_page": {strconv.Itoa(perPage)}}, &body)

	var records []domain.Notification
	if callErr == nil {
		records = f.normalizeAll(body)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq != f.seq {
		observability.RecordFeedFetch(ctx, "stale")
		span.SetAttributes(attribute.Bool("stale", true))
		return nil
	}
	f.loading = false
	f.initialized = true

	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "fetch failed")
		observability.RecordFeedFetch(ctx, "error")
		f.logger.ErrorContext(ctx, "failed to load notifications", "error", callErr)
		f.err = fmt.Errorf("load notifications: %w", callErr)
		f.seedLocked()
		return f.err
	}

	observability.RecordFeedFetch(ctx, "success")
	if len(records) == 0 {
		f.seedLocked()
		return nil
	}
	f.dropPlaceholdersLocked()
	f.mergeLocked(records)
	return nil
}

// seedLocked fills an empty window with the placeholder seeds.
func (f *Feed) seedLocked() {
	if len(f.items) != 0 {
		return
	}
	seeds := Seeds(f.now())
	f.placeholders = make(map[string]struct{}, len(seeds))
	for _, n := range seeds {
		f.placeholders[n.ID] = struct{}{}
	}
	f.mergeLocked(seeds)
}

// dropPlaceholdersLocked removes the seeds once real records arrive.
func (f *Feed) dropPlaceholdersLocked() {
	if len(f.placeholders) == 0 {
		return
	}
	kept := make([]domain.Notification, 0, len(f.items))
	for _, n := range f.items {
		if _, seed := f.placeholders[n.ID]; !seed {
			kept = append(kept, n)
		}
	}
	f.items = kept
	f.placeholders = nil
}

// Push upserts one live event payload.
func (f *Feed) Push(raw json.RawMessage) error {
	n, err := Normalize(raw, f.now(), f.newID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.dropPlaceholdersLocked()
	f.mergeLocked([]domain.Notification{n})
	f.mu.Unlock()
	return nil
}

// MarkRead marks ids read locally, then tells the server. A failed
// acknowledgment keeps the local state and returns ErrSyncFailed.
func (f *Feed) MarkRead(ctx context.Context, ids ...string) error {
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	wanted := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		wanted[id] = struct{}{}
	}
	f.markLocal(func(n domain.Notification) bool {
		_, ok := wanted[n.ID]
		return ok
	})

	// placeholders exist only locally
	f.mu.RLock()
	remote := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, seed := f.placeholders[id]; !seed {
			remote = append(remote, id)
		}
	}
	f.mu.RUnlock()
	if len(remote) == 0 {
		return nil
	}
	targets = remote

	var err error
	operation := "mark_read"
	if len(targets) == 1 {
		err = f.api.PostJSON(ctx, "/notifications/"+url.PathEscape(targets[0])+"/read", nil, nil)
	} else {
		operation = "mark_selected_read"
		err = f.api.PostJSON(ctx, "/notifications/read", map[string][]string{"ids": targets}, nil)
	}
	return f.acknowledge(ctx, operation, err)
}

func (f *Feed) MarkAllRead(ctx context.Context) error {
	f.markLocal(func(domain.Notification) bool { return true })
	err := f.api.PostJSON(ctx, "/notifications/mark-all-read", nil, nil)
	return f.acknowledge(ctx, "mark_all_read", err)
}

func (f *Feed) markLocal(match func(domain.Notification) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for i := range f.items {
		if f.items[i].ReadAt == nil && match(f.items[i]) {
			readAt := now
			f.items[i].ReadAt = &readAt
		}
	}
}

func (f *Feed) acknowledge(ctx context.Context, operation string, err error) error {
	if err == nil {
		observability.RecordFeedReadSync(ctx, operation, "success")
		return nil
	}
	observability.RecordFeedReadSync(ctx, operation, "error")
	f.logger.WarnContext(ctx, "notification read state not acknowledged", "operation", operation, "error", err)
	if f.toasts != nil {
		f.toasts.Push(toast.Toast{
			Variant: toast.VariantWarning,
			Title:   "Unable to reach notifications API",
			Message: gateway.ResolveMessage(err, syncFallbackMessage),
		})
	}
	return fmt.Errorf("%w: %s: %w", ErrSyncFailed, operation, err)
}

// ChannelFor names the live channel of a user.
func ChannelFor(userID string) string {
	return "notifications.user." + userID
}

// BindIdentity keeps the live subscription on profile's channel. The
// previous subscription is closed before a new one opens; a nil profile
// only closes it. A change of user also empties the window so the next
// Initialize loads the new user's records.
func (f *Feed) BindIdentity(ctx context.Context, profile *domain.Profile) error {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()

	user := ""
	if profile != nil {
		user = profile.ID
	}
	if user != f.user {
		if f.user != "" {
			f.resetWindow()
		}
		f.user = user
	}

	next := ""
	if user != "" && f.subscriber != nil {
		next = ChannelFor(user)
	}
	if next == f.channel {
		return nil
	}
	f.teardownLocked()
	if next == "" {
		return nil
	}
	if err := f.subscribeLocked(ctx, next); err != nil {
		f.logger.WarnContext(ctx, "notification channel subscribe failed", "channel", next, "error", err)
		return fmt.Errorf("subscribe %s: %w", next, err)
	}
	f.logger.DebugContext(ctx, "notification channel bound", "channel", next)
	return nil
}

func (f *Feed) subscribeLocked(ctx context.Context, channel string) error {
	sub, err := f.subscriber.Subscribe(ctx, channel, f.handleEvent)
	if err != nil {
		return err
	}
	f.channel = channel
	f.sub = sub
	go f.watch(sub)
	return nil
}

// watch reopens the channel of the bound user when sub drops on its own.
func (f *Feed) watch(sub Subscription) {
	select {
	case <-sub.Done():
	case <-f.life.Done():
		return
	}
	f.bindMu.Lock()
	if f.sub != sub {
		f.bindMu.Unlock()
		return
	}
	channel, user := f.channel, f.user
	f.sub = nil
	f.channel = ""
	f.bindMu.Unlock()

	_ = sub.Close()
	f.logger.Warn("notification channel dropped", "channel", channel)
	f.rebind(user)
}

func (f *Feed) rebind(user string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.rebindInterval
	b.MaxInterval = f.rebindMaxInterval

	_, err := backoff.Retry(f.life, func() (struct{}, error) {
		f.bindMu.Lock()
		defer f.bindMu.Unlock()
		if f.user != user || f.subscriber == nil {
			return struct{}{}, backoff.Permanent(errIdentityChanged)
		}
		if f.sub != nil {
			return struct{}{}, nil
		}
		ctx, cancel := context.WithTimeout(f.life, rebindAttemptTimeout)
		defer cancel()
		return struct{}{}, f.subscribeLocked(ctx, ChannelFor(user))
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.logger.Warn("notification channel rebind failed", "user_id", user, "retry_in", wait, "error", err)
		}),
	)
	switch {
	case err == nil:
		f.logger.Info("notification channel rebound", "channel", ChannelFor(user))
	case errors.Is(err, errIdentityChanged), f.life.Err() != nil:
	default:
		f.logger.Error("notification channel rebind abandoned", "user_id", user, "error", err)
	}
}

// resetWindow forgets the previous user's records and any fetch in flight.
func (f *Feed) resetWindow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = nil
	f.placeholders = nil
	f.seq++
	f.loading = false
	f.initialized = false
	f.err = nil
}

// Channel is the currently bound channel, or "".
func (f *Feed) Channel() string {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()
	return f.channel
}

// Close drops the live subscription and stops reopening it.
func (f *Feed) Close() error {
	f.shutdown()
	f.bindMu.Lock()
	defer f.bindMu.Unlock()
	return f.teardownLocked()
}

func (f *Feed) teardownLocked() error {
	if f.sub == nil {
		f.channel = ""
		return nil
	}
	err := f.sub.Close()
	if err != nil {
		f.logger.Warn("notification channel close failed", "channel", f.channel, "error", err)
	}
	f.sub = nil
	f.channel = ""
	return err
}

func (f *Feed) handleEvent(event string, payload json.RawMessage) {
	if event != EventCreated {
		return
	}
	if err := f.Push(payload); err != nil {
		f.logger.Warn("dropping malformed notification event", "error", err)
	}
}

func (f *Feed) normalizeAll(body json.RawMessage) []domain.Notification {
	raw := extractRecords(body)
	now := f.now()
	out := make([]domain.Notification, 0, len(raw))
	for _, r := range raw {
		n, err := Normalize(r, now, f.newID)
		if err != nil {
			f.logger.Warn("skipping malformed notification", "error", err)
			continue
		}
		out = append(out, n)
	}
	return out
}

// mergeLocked upserts incoming ahead of the retained records, so on equal
// created_at the latest merge sorts first. read_at never goes back to nil.
func (f *Feed) mergeLocked(incoming []domain.Notification) {
	existing := make(map[string]domain.Notification, len(f.items))
	for _, n := range f.items {
		existing[n.ID] = n
	}
	merged := make([]domain.Notification, 0, len(incoming)+len(f.items))
	seen := make(map[string]struct{}, len(incoming)+len(f.items))
	for _, n := range incoming {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		if prev, ok := existing[n.ID]; ok && prev.ReadAt != nil && n.ReadAt == nil {
			n.ReadAt = prev.ReadAt
		}
		merged = append(merged, n)
	}
	for _, n := range f.items {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		merged = append(merged, n)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > f.retain {
		merged = merged[:f.retain]
	}
	f.items = merged
}

// Notifications returns a copy of the window, newest first.
func (f *Feed) Notifications() []domain.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.Notification(nil), f.items...)
}

// Recent returns the n newest records; n <= 0 means DefaultRecent.
func (f *Feed) Recent(n int) []domain.Notification {
	if n <= 0 {
		n = DefaultRecent
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n > len(f.items) {
		n = len(f.items)
	}
	return append([]domain.Notification(nil), f.items[:n]...)
}

func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count := 0
	for _, n := range f.items {
		if !n.IsRead() {
			count++
		}
	}
	return count
}

// PriorityCounts always carries all three priorities.
func (f *Feed) PriorityCounts() map[domain.Priority]int {
	counts := map[domain.Priority]int{
		domain.PriorityHigh:   0,
		domain.PriorityMedium: 0,
		domain.PriorityLow:    0,
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.items {
		counts[n.Priority]++
	}
	return counts
}

func (f *Feed) Loading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loading
}

// Err is the failure of the latest applied fetch, if any.
func (f *Feed) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// ErrMessage is Err as user-facing text.
func (f *Feed) ErrMessage() string {
	err := f.Err()
	if err == nil {
		return ""
	}
	return gateway.ResolveMessage(err, loadFallbackMessage)
}
