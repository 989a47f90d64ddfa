package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vango-go/vai-coach/pkg/gateway/live/relay"
)

type Config struct {
	Addr string `env:"VAI_COACH_ADDR" envDefault:":8080"`

	// Hume credentials are exchanged for a short-lived access token before each chat.
	HumeAPIKey           string        `env:"HUME_API_KEY,required,notEmpty"`
	HumeSecretKey        string        `env:"HUME_SECRET_KEY,required,notEmpty"`
	HumeConfigID         string        `env:"HUME_CONFIG_ID"`
	HumeChatURL          string        `env:"HUME_CHAT_URL" envDefault:"wss://api.hume.ai/v0/evi/chat"`
	HumeTokenURL         string        `env:"HUME_TOKEN_URL" envDefault:"https://api.hume.ai/oauth2-cc/token"`
	HumeHandshakeTimeout time.Duration `env:"VAI_COACH_HUME_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Conversation pacing and bounds.
	PersonaPrefix           string        `env:"VAI_COACH_PERSONA_PREFIX"`
	PacingDelay             time.Duration `env:"VAI_COACH_PACING_DELAY" envDefault:"1s"`
	IdleTimeout             time.Duration `env:"VAI_COACH_IDLE_TIMEOUT" envDefault:"30s"`
	MaxConversationDuration time.Duration `env:"VAI_COACH_MAX_CONVERSATION_DURATION" envDefault:"3m"`

	// Client websocket (/v1/coach).
	AllowedOrigins    []string      `env:"VAI_COACH_ALLOWED_ORIGINS" envSeparator:","`
	WSMaxMessageBytes int64         `env:"VAI_COACH_WS_MAX_MESSAGE_BYTES" envDefault:"16384"`
	WSPingInterval    time.Duration `env:"VAI_COACH_WS_PING_INTERVAL" envDefault:"20s"`
	WSWriteTimeout    time.Duration `env:"VAI_COACH_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadTimeout     time.Duration `env:"VAI_COACH_WS_READ_TIMEOUT" envDefault:"60s"`
	OutboundQueueSize int           `env:"VAI_COACH_OUTBOUND_QUEUE_SIZE" envDefault:"128"`
	WSMaxFramesPerSec int           `env:"VAI_COACH_WS_MAX_FRAMES_PER_SECOND" envDefault:"5"`
	WSFrameBurstSecs  int           `env:"VAI_COACH_WS_FRAME_BURST_SECONDS" envDefault:"2"`

	// Per-client limits on /v1/coach. Clients are keyed by IP.
	TrustProxyHeaders       bool    `env:"VAI_COACH_TRUST_PROXY_HEADERS" envDefault:"false"`
	LimitConnectRPS         float64 `env:"VAI_COACH_LIMIT_CONNECT_RPS" envDefault:"2"`
	LimitConnectBurst       int     `env:"VAI_COACH_LIMIT_CONNECT_BURST" envDefault:"5"`
	MaxConnectionsPerClient int     `env:"VAI_COACH_MAX_CONNECTIONS_PER_CLIENT" envDefault:"4"`

	// Optional Postgres conversation journal. Empty disables it.
	DatabaseURL string `env:"VAI_COACH_DATABASE_URL"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `env:"VAI_COACH_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownGracePeriod time.Duration `env:"VAI_COACH_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`
}

func LoadFromEnv() (Config, error) {
	return load(env.Options{})
}

// LoadFromMap parses cfg from the given variables instead of the process
// environment.
func LoadFromMap(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.HumeAPIKey = strings.TrimSpace(cfg.HumeAPIKey)
	cfg.HumeSecretKey = strings.TrimSpace(cfg.HumeSecretKey)
	cfg.HumeConfigID = strings.TrimSpace(cfg.HumeConfigID)
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if cfg.PersonaPrefix == "" {
		cfg.PersonaPrefix = relay.DefaultPersonaPrefix
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that is out of range.
func (c Config) Validate() error {
	if c.HumeAPIKey == "" {
		return fmt.Errorf("HUME_API_KEY must be set")
	}
	if c.HumeSecretKey == "" {
		return fmt.Errorf("HUME_SECRET_KEY must be set")
	}
	if err := validateURL(c.HumeChatURL, "ws", "wss"); err != nil {
		return fmt.Errorf("HUME_CHAT_URL %w", err)
	}
	if err := validateURL(c.HumeTokenURL, "http", "https"); err != nil {
		return fmt.Errorf("HUME_TOKEN_URL %w", err)
	}
	if c.HumeHandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_COACH_HUME_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.PacingDelay < 0 {
		return fmt.Errorf("VAI_COACH_PACING_DELAY must be >= 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("VAI_COACH_IDLE_TIMEOUT must be > 0")
	}
	if c.MaxConversationDuration <= 0 {
		return fmt.Errorf("VAI_COACH_MAX_CONVERSATION_DURATION must be > 0")
	}
	if c.MaxConversationDuration < c.IdleTimeout {
		return fmt.Errorf("VAI_COACH_MAX_CONVERSATION_DURATION must be >= VAI_COACH_IDLE_TIMEOUT")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_COACH_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_COACH_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_COACH_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_COACH_WS_READ_TIMEOUT must be >= 0")
	}
	if c.WSReadTimeout > 0 && c.WSReadTimeout <= c.WSPingInterval {
		return fmt.Errorf("VAI_COACH_WS_READ_TIMEOUT must be > VAI_COACH_WS_PING_INTERVAL when set")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("VAI_COACH_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.WSMaxFramesPerSec < 0 {
		return fmt.Errorf("VAI_COACH_WS_MAX_FRAMES_PER_SECOND must be >= 0")
	}
	if c.WSFrameBurstSecs < 0 {
		return fmt.Errorf("VAI_COACH_WS_FRAME_BURST_SECONDS must be >= 0")
	}
	if c.LimitConnectRPS < 0 {
		return fmt.Errorf("VAI_COACH_LIMIT_CONNECT_RPS must be >= 0")
	}
	if c.LimitConnectBurst < 0 {
		return fmt.Errorf("VAI_COACH_LIMIT_CONNECT_BURST must be >= 0")
	}
	if c.LimitConnectRPS > 0 && c.LimitConnectBurst == 0 {
		return fmt.Errorf("VAI_COACH_LIMIT_CONNECT_BURST must be > 0 when VAI_COACH_LIMIT_CONNECT_RPS is set")
	}
	if c.MaxConnectionsPerClient < 0 {
		return fmt.Errorf("VAI_COACH_MAX_CONNECTIONS_PER_CLIENT must be >= 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_COACH_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_COACH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// OriginAllowed reports whether a websocket upgrade from origin is accepted.
// Requests without an Origin header (non-browser clients) are always allowed.
func (c Config) OriginAllowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// LimitsEnabled reports whether any per-client limit is active.
func (c Config) LimitsEnabled() bool {
	return (c.LimitConnectRPS > 0 && c.LimitConnectBurst > 0) || c.MaxConnectionsPerClient > 0
}

// JournalEnabled reports whether conversations are persisted to Postgres.
func (c Config) JournalEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func validateURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid url: %w", err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("must include a host")
			}
			return nil
		}
	}
	return fmt.Errorf("must use one of %s", strings.Join(schemes, "|"))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
