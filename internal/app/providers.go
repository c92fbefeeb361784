package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lmst/attendance-admin-client/internal/authapi"
	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/gateway"
	"github.com/lmst/attendance-admin-client/internal/notification"
	"github.com/lmst/attendance-admin-client/internal/realtime"
	"github.com/lmst/attendance-admin-client/internal/session"
	"github.com/lmst/attendance-admin-client/internal/storage"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

// Redirect receives navigation requests from the session manager.
type Redirect func(ctx context.Context, path string)

// ToastSink receives every toast as it is pushed.
type ToastSink func(toast.Toast)

func provideHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// provideRedisClient builds a client only for configurations that use redis.
func provideRedisClient(cfg *config.Config) (redis.UniversalClient, func(), error) {
	if cfg.StateBackend != config.StateBackendRedis && cfg.RealtimeDriver != config.RealtimeDriverRedis {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client, func() { _ = client.Close() }, nil
}

func provideStateStore(cfg *config.Config, rdb redis.UniversalClient) (storage.KeyValueStore, func(), error) {
	noop := func() {}
	switch cfg.StateBackend {
	case config.StateBackendMemory:
		return storage.NewMemoryStore(), noop, nil
	case config.StateBackendFile:
		store, err := storage.NewFileStore(cfg.StateFilePath)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.StateBackendRedis:
		return storage.NewRedisStore(rdb, ""), noop, nil
	case config.StateBackendSQL:
		db, err := storage.OpenSQL(cfg.StateSQLDSN)
		if err != nil {
			return nil, noop, err
		}
		cleanup := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return storage.NewSQLStore(db), cleanup, nil
	default:
		return nil, noop, fmt.Errorf("unsupported state backend %q", cfg.StateBackend)
	}
}

func provideToasts(cfg *config.Config, sink ToastSink) *toast.Broadcaster {
	var opts []toast.Option
	if sink != nil {
		opts = append(opts, toast.WithSink(sink))
	}
	return toast.New(cfg.ToastDuration, opts...)
}

func provideTokenStore(cfg *config.Config, kv storage.KeyValueStore, logger *slog.Logger) *session.TokenStore {
	return session.NewTokenStore(kv, logger, session.TokenStoreOptions{
		KeyPrefix:  cfg.StateKeyPrefix,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
}

func provideAuthAPI(cfg *config.Config, client *http.Client) *authapi.Client {
	return authapi.NewClient(cfg.APIBaseURL, client)
}

func provideManager(cfg *config.Config, store *session.TokenStore, api *authapi.Client, toasts *toast.Broadcaster, redirect Redirect, logger *slog.Logger) *session.Manager {
	return session.NewManager(store, api, session.Options{
		Logger:    logger,
		Toasts:    toasts,
		Redirect:  redirect,
		LoginPath: cfg.LoginPath,
	})
}

func provideGateway(cfg *config.Config, manager *session.Manager, client *http.Client, toasts *toast.Broadcaster, logger *slog.Logger) *gateway.Gateway {
	return gateway.New(manager, gateway.Options{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: client,
		Timeout:    cfg.RequestTimeout,
		Toasts:     toasts,
		Logger:     logger,
	})
}

// provideSubscriber picks the live channel driver. The none driver yields
// a nil subscriber and the feed stays fetch-only.
func provideSubscriber(cfg *config.Config, gw *gateway.Gateway, rdb redis.UniversalClient, logger *slog.Logger) (notification.Subscriber, func(), error) {
	switch cfg.RealtimeDriver {
	case config.RealtimeDriverPusher:
		client := realtime.NewPusherClient(cfg.ReverbURL(), realtime.NewGatewayAuthorizer(gw, cfg.BroadcastAuthEndpoint), realtime.PusherOptions{
			Logger: logger,
		})
		return client, func() { _ = client.Close() }, nil
	case config.RealtimeDriverRedis:
		return realtime.NewRedisSubscriber(rdb, realtime.RedisOptions{Prefix: cfg.RealtimeRedisPrefix, Logger: logger}), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func provideFeed(cfg *config.Config, gw *gateway.Gateway, subscriber notification.Subscriber, toasts *toast.Broadcaster, logger *slog.Logger) *notification.Feed {
	return notification.NewFeed(gw, notification.Options{
		PageSize:   cfg.NotificationPageSize,
		Retain:     cfg.NotificationRetain,
		Toasts:     toasts,
		Logger:     logger,
		Subscriber: subscriber,
	})
}

// provideIdentityBinder follows the session identity with the feed's live
// channel.
func provideIdentityBinder(manager *session.Manager, feed *notification.Feed, logger *slog.Logger) *identityBinder {
	b := newIdentityBinder(feed, logger)
	manager.OnIdentityChange(func(profile *domain.Profile) { b.Bind(profile) })
	return b
}
