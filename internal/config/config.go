package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarRelayBaseURL         = "CALLKIT_RELAY_BASE_URL"
	envVarUserID               = "CALLKIT_USER_ID"
	envVarLogFormat            = "CALLKIT_LOG_FORMAT"
	envVarLogLevel             = "CALLKIT_LOG_LEVEL"
	envVarMode                 = "CALLKIT_MODE"
	envVarDialTimeout          = "CALLKIT_DIAL_TIMEOUT"
	envVarWriteTimeout         = "CALLKIT_WRITE_TIMEOUT"
	envVarReconnectMaxAttempts = "CALLKIT_RECONNECT_MAX_ATTEMPTS"
	envVarICEFetchTimeout      = "CALLKIT_ICE_FETCH_TIMEOUT"
	envVarICEServersJSON       = "CALLKIT_ICE_SERVERS_JSON"
	envVarMetricsListenAddr    = "CALLKIT_METRICS_LISTEN_ADDR"
	envVarToken                = "CALLKIT_TOKEN"

	DefaultDialTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultICEFetchTimeout = 5 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"

	DefaultMode = ModeDev
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries everything the call layer needs at construction time: where
// the relay lives, who we are, and the reconnect/timeout knobs.
type Config struct {
	// RelayBaseURL is the http(s) base of the relay deployment, e.g.
	// "https://api.example.com". The signaling WebSocket lives under
	// {RelayBaseURL}/ws/{userID} and the traversal-server list under
	// {RelayBaseURL}/api/calls/ice-servers.
	RelayBaseURL string `yaml:"relay_base_url"`

	// UserID is the authenticated user's identity; it scopes the signaling
	// connection path.
	UserID int64 `yaml:"user_id"`

	Mode      Mode      `yaml:"mode"`
	LogFormat LogFormat `yaml:"log_format"`
	LogLevel  slog.Level `yaml:"-"`

	// LogLevelName is the textual form carried in YAML config files.
	LogLevelName string `yaml:"log_level"`

	// DialTimeout bounds each WebSocket dial attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds each outbound signaling write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReconnectMaxAttempts caps automatic reconnects after a transient
	// disconnect. 0 means unbounded.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// ICEFetchTimeout bounds the per-call traversal-server config fetch.
	ICEFetchTimeout time.Duration `yaml:"ice_fetch_timeout"`

	// ICEServersJSON optionally overrides the fetched traversal-server list
	// (same JSON shape the relay serves). Mostly useful for development
	// against a relay that does not expose the config endpoint.
	ICEServersJSON string `yaml:"ice_servers_json"`

	// MetricsListenAddr, when non-empty, enables the Prometheus /metrics
	// endpoint in the demo binary.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	// Token seeds the static credential provider used by the demo binary.
	// Real applications wire their auth session instead and should leave
	// this empty.
	Token string `yaml:"token"`
}

// Load parses configuration from flags, environment variables, and an
// optional YAML file. Precedence: flags > env > file > defaults.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("callkit", flag.ContinueOnError)

	configFile := fs.String("config", "", "path to a YAML config file")
	relayBaseURL := fs.String("relay-base-url", envOrDefault(lookup, envVarRelayBaseURL, ""), "relay http(s) base URL")
	userID := fs.String("user-id", envOrDefault(lookup, envVarUserID, ""), "authenticated user id")
	mode := fs.String("mode", envOrDefault(lookup, envVarMode, string(DefaultMode)), "dev or prod")
	logFormat := fs.String("log-format", envOrDefault(lookup, envVarLogFormat, ""), "text or json (default depends on mode)")
	logLevel := fs.String("log-level", envOrDefault(lookup, envVarLogLevel, ""), "debug, info, warn, or error (default depends on mode)")
	dialTimeout := fs.Duration("dial-timeout", DefaultDialTimeout, "WebSocket dial timeout")
	writeTimeout := fs.Duration("write-timeout", DefaultWriteTimeout, "signaling write timeout")
	reconnectMaxAttempts := fs.Int("reconnect-max-attempts", 0, "cap on automatic reconnect attempts (0 = unbounded)")
	iceFetchTimeout := fs.Duration("ice-fetch-timeout", DefaultICEFetchTimeout, "traversal-server config fetch timeout")
	iceServersJSON := fs.String("ice-servers-json", envOrDefault(lookup, envVarICEServersJSON, ""), "traversal-server list override (JSON)")
	metricsListenAddr := fs.String("metrics-listen-addr", envOrDefault(lookup, envVarMetricsListenAddr, ""), "listen address for /metrics (empty = disabled)")
	token := fs.String("token", envOrDefault(lookup, envVarToken, ""), "access token for the demo credential provider")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:            DefaultMode,
		DialTimeout:     DefaultDialTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		ICEFetchTimeout: DefaultICEFetchTimeout,
	}

	if *configFile != "" {
		if err := loadFile(*configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Env-derived duration/int settings apply after the file, before flags.
	if err := applyEnvOverrides(lookup, &cfg); err != nil {
		return Config{}, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["relay-base-url"] || cfg.RelayBaseURL == "" {
		cfg.RelayBaseURL = *relayBaseURL
	}
	if set["user-id"] || cfg.UserID == 0 {
		if *userID != "" {
			id, err := strconv.ParseInt(*userID, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("invalid user id %q: %w", *userID, err)
			}
			cfg.UserID = id
		}
	}
	if set["mode"] || cfg.Mode == "" {
		cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(*mode)))
	}
	if set["log-format"] || *logFormat != "" {
		cfg.LogFormat = LogFormat(*logFormat)
	}
	if set["log-level"] || *logLevel != "" {
		cfg.LogLevelName = *logLevel
	}
	if set["dial-timeout"] {
		cfg.DialTimeout = *dialTimeout
	}
	if set["write-timeout"] {
		cfg.WriteTimeout = *writeTimeout
	}
	if set["reconnect-max-attempts"] {
		cfg.ReconnectMaxAttempts = *reconnectMaxAttempts
	}
	if set["ice-fetch-timeout"] {
		cfg.ICEFetchTimeout = *iceFetchTimeout
	}
	if set["ice-servers-json"] || cfg.ICEServersJSON == "" {
		cfg.ICEServersJSON = *iceServersJSON
	}
	if set["metrics-listen-addr"] || cfg.MetricsListenAddr == "" {
		cfg.MetricsListenAddr = *metricsListenAddr
	}
	if set["token"] || cfg.Token == "" {
		cfg.Token = *token
	}

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(lookup func(string) (string, bool), cfg *Config) error {
	var err error
	if cfg.DialTimeout, err = envDurationOrDefault(lookup, envVarDialTimeout, cfg.DialTimeout); err != nil {
		return err
	}
	if cfg.WriteTimeout, err = envDurationOrDefault(lookup, envVarWriteTimeout, cfg.WriteTimeout); err != nil {
		return err
	}
	if cfg.ICEFetchTimeout, err = envDurationOrDefault(lookup, envVarICEFetchTimeout, cfg.ICEFetchTimeout); err != nil {
		return err
	}
	if cfg.ReconnectMaxAttempts, err = envIntOrDefault(lookup, envVarReconnectMaxAttempts, cfg.ReconnectMaxAttempts); err != nil {
		return err
	}
	return nil
}

func (c *Config) finalize() error {
	switch c.Mode {
	case ModeDev, ModeProd:
	case "":
		c.Mode = DefaultMode
	default:
		return fmt.Errorf("invalid mode %q (want dev or prod)", c.Mode)
	}

	if c.LogFormat == "" {
		if c.Mode == ModeProd {
			c.LogFormat = LogFormatJSON
		} else {
			c.LogFormat = LogFormatText
		}
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}

	levelName := c.LogLevelName
	if levelName == "" {
		if c.Mode == ModeProd {
			levelName = "info"
		} else {
			levelName = "debug"
		}
	}
	level, err := parseLogLevel(levelName)
	if err != nil {
		return err
	}
	c.LogLevel = level
	c.LogLevelName = levelName

	if c.RelayBaseURL != "" {
		u, err := url.Parse(c.RelayBaseURL)
		if err != nil {
			return fmt.Errorf("invalid relay base URL %q: %w", c.RelayBaseURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("relay base URL %q must be http or https", c.RelayBaseURL)
		}
		c.RelayBaseURL = strings.TrimRight(c.RelayBaseURL, "/")
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must be >= 0, got %d", c.ReconnectMaxAttempts)
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 || c.ICEFetchTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", name)
	}
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
