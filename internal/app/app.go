package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/gateway"
	"github.com/lmst/attendance-admin-client/internal/notification"
	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/session"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Toasts        *toast.Broadcaster
	Session       *session.Manager
	Gateway       *gateway.Gateway
	Feed          *notification.Feed
	Observability *observability.Runtime

	binder *identityBinder
}

func New(cfg *config.Config, logger *slog.Logger, toasts *toast.Broadcaster, manager *session.Manager, gw *gateway.Gateway, feed *notification.Feed, binder *identityBinder, runtime *observability.Runtime) *App {
	return &App{
		Config:        cfg,
		Logger:        logger,
		Toasts:        toasts,
		Session:       manager,
		Gateway:       gw,
		Feed:          feed,
		Observability: runtime,
		binder:        binder,
	}
}

// Start restores the persisted session and, when one is live, loads the
// first page. The feed's live channel follows the identity announced by
// the session. It reports whether a session is available.
func (a *App) Start(ctx context.Context) bool {
	if !a.Session.EnsureSession(ctx) {
		return false
	}
	if err := a.Feed.Initialize(ctx); err != nil {
		a.Logger.WarnContext(ctx, "notification feed started with errors", "error", err)
	}
	return true
}

// Close stops the identity binder, drops the live subscription and clears
// pending toasts. Stores and clients are released by the cleanup returned
// from Build.
func (a *App) Close() error {
	var errs []error
	a.binder.Stop()
	if err := a.Feed.Close(); err != nil {
		errs = append(errs, err)
	}
	a.Toasts.Clear()
	return errors.Join(errs...)
}

// identityBinder applies identity changes to the feed in order on its own
// goroutine. Session observers can fire while a refresh is in flight, and
// a subscription may itself need that refresh to finish.
type identityBinder struct {
	feed   *notification.Feed
	logger *slog.Logger
	queue  chan *domain.Profile
	done   chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
}

func newIdentityBinder(feed *notification.Feed, logger *slog.Logger) *identityBinder {
	b := &identityBinder{
		feed:   feed,
		logger: logger,
		queue:  make(chan *domain.Profile, 16),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *identityBinder) Bind(profile *domain.Profile) {
	select {
	case b.queue <- profile:
	case <-b.stop:
	}
}

func (b *identityBinder) loop() {
	defer close(b.done)
	for {
		select {
		case profile := <-b.queue:
			if err := b.feed.BindIdentity(context.Background(), profile); err != nil {
				b.logger.Warn("bind notification channel failed", "error", err)
			}
		case <-b.stop:
			return
		}
	}
}

// Stop ends the loop; queued changes not yet applied are dropped.
func (b *identityBinder) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
