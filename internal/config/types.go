package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "24h") parsed at the edges with
// ParseDurationField / ParseDurationOrDefault.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Auth     AuthConfig     `json:"auth"`
	Delivery DeliveryConfig `json:"delivery"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Relay    RelayConfig    `json:"relay"`
	Logging  LoggingConfig  `json:"logging"`
}

type HTTPConfig struct {
	Addr         string   `json:"addr"`
	CORSOrigins  []string `json:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes"`
	ReadTimeout  string   `json:"read_timeout"`
	WriteTimeout string   `json:"write_timeout"`
	IdleTimeout  string   `json:"idle_timeout"`
	Pprof        bool     `json:"pprof"`
}

type AuthConfig struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	TokenTTL    string `json:"token_ttl"`
	CleanupSpec string `json:"cleanup_spec"`
}

type DeliveryConfig struct {
	// Driver selects the active gateway: "whatsapp" (default) or "telegram".
	Driver     string `json:"driver"`
	RatePerMin int    `json:"rate_per_min"`
}

type WhatsAppConfig struct {
	SessionPath      string `json:"session_path"`
	AutoConnect      *bool  `json:"auto_connect,omitempty"`
	QRTerminal       bool   `json:"qr_terminal"`
	GroupsRetry      int    `json:"groups_retry"`
	GroupsRetryDelay string `json:"groups_retry_delay"`
	LogLevel         string `json:"log_level"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	LogChatID   int64  `json:"log_chat_id"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
}

type RelayConfig struct {
	Enabled       bool        `json:"enabled"`
	Workers       int         `json:"workers"`
	QueueSize     int         `json:"queue_size"`
	RatePerSec    int         `json:"rate_per_sec"`
	RetryMax      int         `json:"retry_max"`
	RetryBase     string      `json:"retry_base"`
	RetryMaxDelay string      `json:"retry_max_delay"`
	Kafka         KafkaConfig `json:"kafka"`
	AMQP          AMQPConfig  `json:"amqp"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file"`
	Alerts  AlertsConfig  `json:"alerts"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Default CORS origins of the bundled dashboard in development.
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:8080",
	"http://127.0.0.1:5173",
}

const (
	DefaultHTTPAddr     = ":3001"
	DefaultMaxBodyBytes = 10 << 20
)

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
