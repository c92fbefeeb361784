package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	StateBackendMemory = "memory"
	StateBackendFile   = "file"
	StateBackendRedis  = "redis"
	StateBackendSQL    = "sql"

	RealtimeDriverNone   = "none"
	RealtimeDriverPusher = "pusher"
	RealtimeDriverRedis  = "redis"
)

var (
	ErrConfigFile   = errors.New("load config file")
	ErrConfigEnv    = errors.New("load env")
	ErrConfigDecode = errors.New("parse config")
)

type Config struct {
	AppEnv string `koanf:"app_env"`

	APIBaseURL     string        `koanf:"api_base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	LoginPath      string        `koanf:"login_path"`

	StateBackend   string        `koanf:"state_backend"`
	StateFilePath  string        `koanf:"state_file_path"`
	StateSQLDSN    string        `koanf:"state_sql_dsn"`
	StateKeyPrefix string        `koanf:"state_key_prefix"`
	AccessTokenTTL time.Duration `koanf:"access_token_ttl"`
	RefreshTTL     time.Duration `koanf:"refresh_token_ttl"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	NotificationPageSize int `koanf:"notification_page_size"`
	NotificationRetain   int `koanf:"notification_retain"`

	RealtimeDriver        string `koanf:"realtime_driver"`
	ReverbAppKey          string `koanf:"reverb_app_key"`
	ReverbHost            string `koanf:"reverb_host"`
	ReverbPort            int    `koanf:"reverb_port"`
	ReverbScheme          string `koanf:"reverb_scheme"`
	ReverbWSPath          string `koanf:"reverb_ws_path"`
	BroadcastAuthEndpoint string `koanf:"broadcast_auth_endpoint"`
	RealtimeRedisPrefix   string `koanf:"realtime_redis_prefix"`

	ToastDuration time.Duration `koanf:"toast_duration"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	OTELServiceName           string        `koanf:"otel_service_name"`
	OTELEnvironment           string        `koanf:"otel_environment"`
	OTELExporterOTLPEndpoint  string        `koanf:"otel_exporter_otlp_endpoint"`
	OTELExporterOTLPInsecure  bool          `koanf:"otel_exporter_otlp_insecure"`
	OTELMetricsEnabled        bool          `koanf:"otel_metrics_enabled"`
	OTELTracingEnabled        bool          `koanf:"otel_tracing_enabled"`
	OTELLogsEnabled           bool          `koanf:"otel_logs_enabled"`
	OTELMetricsExportInterval time.Duration `koanf:"otel_metrics_export_interval"`
	OTELTraceSamplingRatio    float64       `koanf:"otel_trace_sampling_ratio"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	MockAPIAddr      string `koanf:"mockapi_addr"`
	MockAPIJWTSecret string `koanf:"mockapi_jwt_secret"`
	MockAPIAppSecret string `koanf:"mockapi_app_secret"`
}

func Default() *Config {
	return &Config{
		AppEnv:                    "development",
		APIBaseURL:                "http://localhost:8000/api",
		RequestTimeout:            20 * time.Second,
		LoginPath:                 "/login",
		StateBackend:              StateBackendFile,
		StateFilePath:             defaultStatePath(),
		StateKeyPrefix:            "lmst_",
		AccessTokenTTL:            time.Hour,
		RefreshTTL:                30 * 24 * time.Hour,
		RedisAddr:                 "localhost:6379",
		NotificationPageSize:      25,
		NotificationRetain:        50,
		RealtimeDriver:            RealtimeDriverNone,
		ReverbScheme:              "http",
		ToastDuration:             5 * time.Second,
		LogLevel:                  "info",
		LogFormat:                 "json",
		OTELServiceName:           "attendance-admin-client",
		OTELEnvironment:           "development",
		OTELExporterOTLPEndpoint:  "localhost:4317",
		OTELExporterOTLPInsecure:  true,
		OTELMetricsExportInterval: 15 * time.Second,
		OTELTraceSamplingRatio:    1.0,
		ShutdownTimeout:           5 * time.Second,
		MockAPIAddr:               ":8000",
		MockAPIJWTSecret:          "mockapi-access-secret-0123456789abcdef",
		MockAPIAppSecret:          "mockapi-app-secret",
	}
}

// Load layers defaults, an optional YAML file named by CONFIG_FILE and the
// process environment, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"))
}

func LoadFrom(path string) (*Config, error) {
	cfg, err := load(path)
	recordConfigLoad(context.Background(), cfg, err)
	return cfg, err
}

func load(path string) (*Config, error) {
	k := koanf.New(".")
	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrConfigFile, path, err)
		}
	}
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(key), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigEnv, err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigDecode, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.StateBackend = strings.ToLower(strings.TrimSpace(c.StateBackend))
	c.RealtimeDriver = strings.ToLower(strings.TrimSpace(c.RealtimeDriver))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.BroadcastAuthEndpoint == "" && c.APIBaseURL != "" {
		c.BroadcastAuthEndpoint = c.APIBaseURL + "/broadcasting/auth"
	}
}

// SettingError names the setting that failed validation.
type SettingError struct {
	Setting string
	Problem string
}

func (e *SettingError) Error() string { return e.Setting + " " + e.Problem }

func invalid(setting, format string, args ...any) error {
	return &SettingError{Setting: setting, Problem: fmt.Sprintf(format, args...)}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if c.APIBaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("API_BASE_URL", "must be an absolute URL")
	}
	if c.RequestTimeout <= 0 {
		return invalid("REQUEST_TIMEOUT", "must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return invalid("ACCESS_TOKEN_TTL", "must be positive")
	}
	if c.RefreshTTL < c.AccessTokenTTL {
		return invalid("REFRESH_TOKEN_TTL", "must not be shorter than ACCESS_TOKEN_TTL")
	}
	switch c.StateBackend {
	case StateBackendMemory:
	case StateBackendFile:
		if strings.TrimSpace(c.StateFilePath) == "" {
			return invalid("STATE_FILE_PATH", "is required for the file state backend")
		}
	case StateBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return invalid("REDIS_ADDR", "is required for the redis state backend")
		}
	case StateBackendSQL:
		if strings.TrimSpace(c.StateSQLDSN) == "" {
			return invalid("STATE_SQL_DSN", "is required for the sql state backend")
		}
	default:
		return invalid("STATE_BACKEND", "%q is not supported", c.StateBackend)
	}
	switch c.RealtimeDriver {
	case RealtimeDriverNone, "":
	case RealtimeDriverPusher:
		if c.ReverbAppKey == "" {
			return invalid("REVERB_APP_KEY", "is required for the pusher realtime driver")
		}
		if c.ReverbHost == "" || c.ReverbPort <= 0 {
			return invalid("REVERB_HOST", "and REVERB_PORT are required for the pusher realtime driver")
		}
	case RealtimeDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return invalid("REDIS_ADDR", "is required for the redis realtime driver")
		}
	default:
		return invalid("REALTIME_DRIVER", "%q is not supported", c.RealtimeDriver)
	}
	if c.NotificationPageSize <= 0 {
		return invalid("NOTIFICATION_PAGE_SIZE", "must be positive")
	}
	if c.NotificationRetain <= 0 {
		return invalid("NOTIFICATION_RETAIN", "must be positive")
	}
	if c.OTELMetricsExportInterval <= 0 {
		return invalid("OTEL_METRICS_EXPORT_INTERVAL", "must be positive")
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		return invalid("OTEL_TRACE_SAMPLING_RATIO", "must be within [0,1]")
	}
	return nil
}

// ReverbURL is the websocket endpoint the pusher driver dials.
func (c *Config) ReverbURL() string {
	scheme := "ws"
	if strings.EqualFold(c.ReverbScheme, "https") {
		scheme = "wss"
	}
	path := c.ReverbWSPath
	if path == "" {
		path = "/app/" + c.ReverbAppKey
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", c.ReverbHost, c.ReverbPort),
		Path:     path,
		RawQuery: "protocol=7&client=go&version=1.0",
	}
	return u.String()
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".adminctl/state.json"
	}
	return dir + "/adminctl/state.json"
}
