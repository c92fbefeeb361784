package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadMetricsOnce sync.Once
	loadCounter     metric.Int64Counter
)

// recordConfigLoad counts one configuration load. cfg may be nil when
// loading failed before decoding.
func recordConfigLoad(ctx context.Context, cfg *Config, err error) {
	loadMetricsOnce.Do(func() {
		counter, cErr := otel.Meter("attendance-admin-client").Int64Counter("client.config.load.events")
		if cErr == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	env, backend, driver := "unknown", "unknown", "unknown"
	if cfg != nil {
		env = normalizeLabel(cfg.AppEnv)
		backend = normalizeLabel(cfg.StateBackend)
		driver = normalizeLabel(cfg.RealtimeDriver)
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app_env", env),
		attribute.String("state_backend", backend),
		attribute.String("realtime_driver", driver),
		attribute.String("outcome", outcome),
		attribute.String("error_class", classifyConfigLoadError(err)),
	))
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	var settingErr *SettingError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &settingErr):
		return "validation_" + settingGroup(settingErr.Setting)
	case errors.Is(err, ErrConfigFile):
		return "file"
	case errors.Is(err, ErrConfigEnv):
		return "env"
	case errors.Is(err, ErrConfigDecode):
		return "decode"
	default:
		return "load"
	}
}

// settingGroup folds a setting name into the subsystem it configures.
func settingGroup(setting string) string {
	switch {
	case strings.HasPrefix(setting, "API_"), strings.HasPrefix(setting, "REQUEST_"):
		return "api"
	case strings.HasPrefix(setting, "STATE_"), strings.HasPrefix(setting, "REDIS_"),
		strings.HasSuffix(setting, "_TOKEN_TTL"):
		return "state"
	case strings.HasPrefix(setting, "REVERB_"), strings.HasPrefix(setting, "REALTIME_"):
		return "realtime"
	case strings.HasPrefix(setting, "NOTIFICATION_"):
		return "feed"
	case strings.HasPrefix(setting, "OTEL_"):
		return "telemetry"
	default:
		return "other"
	}
}
