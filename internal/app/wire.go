//go:build wireinject

package app

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/observability"
)

var clientSet = wire.NewSet(
	provideHTTPClient,
	provideRedisClient,
	provideStateStore,
	provideToasts,
	provideTokenStore,
	provideAuthAPI,
	provideManager,
	provideGateway,
	provideSubscriber,
	provideFeed,
	provideIdentityBinder,
	New,
)

// Build assembles the client from cfg. The returned cleanup releases the
// stores and connections; call App.Close first.
func Build(cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime, redirect Redirect, sink ToastSink) (*App, func(), error) {
	panic(wire.Build(clientSet))
}
