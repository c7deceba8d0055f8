package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the agentphone daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string `env:"DATA_DIR" envDefault:"./data"`
	DatabaseDSN   string `env:"DATABASE_DSN"` // empty means sqlite in DataDir; postgres:// selects pgx
	HTTPPort      int    `env:"HTTP_PORT" envDefault:"8090"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"text"`
	CORSOrigins   string `env:"CORS_ORIGINS"`                   // comma-separated, empty allows same-origin only
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"90"` // 0 keeps records forever

	SIPRegistrar   string `env:"SIP_REGISTRAR"` // e.g. "sip:pbx.example.com"
	SIPProxy       string `env:"SIP_PROXY"`     // host:port, defaults to the registrar host
	SIPTransport   string `env:"SIP_TRANSPORT" envDefault:"ws"`
	SIPUsername    string `env:"SIP_USERNAME"`
	SIPAuthUser    string `env:"SIP_AUTH_USER"` // defaults to SIPUsername
	SIPPassword    string `env:"SIP_PASSWORD"`
	SIPDomain      string `env:"SIP_DOMAIN"` // defaults to the registrar host
	SIPDisplayName string `env:"SIP_DISPLAY_NAME"`
	SIPListenAddr  string `env:"SIP_LISTEN_ADDR"`            // optional udp/tcp listener for inbound requests
	SIPTrace       string `env:"SIP_TRACE" envDefault:"off"` // off, headers, full

	RegisterExpiry    int           `env:"REGISTER_EXPIRY" envDefault:"300"`
	RegisterTimeout   time.Duration `env:"REGISTER_TIMEOUT" envDefault:"10s"`
	KeepaliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"30s"`
	KeepaliveTimeout  time.Duration `env:"KEEPALIVE_TIMEOUT" envDefault:"5s"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"60s"`
	RetryBudget       int           `env:"RETRY_BUDGET" envDefault:"10"`

	DialTimeout   time.Duration `env:"DIAL_TIMEOUT" envDefault:"45s"`
	AnswerTimeout time.Duration `env:"ANSWER_TIMEOUT" envDefault:"90s"`
	RingTimeout   time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`

	HealthWindow time.Duration `env:"HEALTH_WINDOW" envDefault:"30s"`
	HealthTick   time.Duration `env:"HEALTH_TICK" envDefault:"5s"`

	Campaign       string        `env:"CAMPAIGN"`
	QueuePoll      time.Duration `env:"QUEUE_POLL" envDefault:"5s"`
	FollowUpPoll   time.Duration `env:"FOLLOWUP_POLL" envDefault:"2m"`
	FollowUpTick   time.Duration `env:"FOLLOWUP_TICK" envDefault:"30s"`
	FollowUpLead   time.Duration `env:"FOLLOWUP_LEAD" envDefault:"5m"`
	BackendURL     string        `env:"BACKEND_URL"`
	BackendToken   string        `env:"BACKEND_TOKEN"`
	BackendRate    float64       `env:"BACKEND_RATE" envDefault:"10"`
	AgentPINHash   string        `env:"AGENT_PIN_HASH"` // argon2id or bcrypt hash of the agent PIN
	AgentName      string        `env:"AGENT_NAME" envDefault:"agent"`
	JWTSecret      string        `env:"JWT_SECRET"`      // hex-encoded 32-byte secret
	FCMCredentials string        `env:"FCM_CREDENTIALS"` // service account file
	FCMDeviceToken string        `env:"FCM_DEVICE_TOKEN"`

	PushGatewayURL string `env:"PUSH_GATEWAY_URL"`
	PushGatewayKey string `env:"PUSH_GATEWAY_KEY"`
	PushToken      string `env:"PUSH_TOKEN"`
	PushPlatform   string `env:"PUSH_PLATFORM" envDefault:"apns"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      string `env:"SMTP_TLS" envDefault:"starttls"` // none, starttls, tls
	AlertEmail   string `env:"ALERT_EMAIL"`

	RTPPortMin int    `env:"RTP_PORT_MIN" envDefault:"16384"`
	RTPPortMax int    `env:"RTP_PORT_MAX" envDefault:"32768"`
	MediaIP    string `env:"MEDIA_IP"`
}

// envPrefix is the prefix for all agentphone environment variables.
const envPrefix = "AGENTPHONE_"

// Load parses configuration from CLI flags and environment variables.
// Environment values (or their defaults) become the flag defaults, so a flag
// only wins when it is given on the command line.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	fs := flag.NewFlagSet("agentphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the local database")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "database DSN (postgres:// URL, empty for sqlite in data-dir)")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "control API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "comma-separated origins allowed to call the control API")
	fs.IntVar(&cfg.RetentionDays, "retention-days", cfg.RetentionDays, "days to keep classified calls and missed calls (0 = forever)")

	fs.StringVar(&cfg.SIPRegistrar, "sip-registrar", cfg.SIPRegistrar, "SIP registrar URI (e.g. sip:pbx.example.com)")
	fs.StringVar(&cfg.SIPProxy, "sip-proxy", cfg.SIPProxy, "outbound proxy host:port (defaults to the registrar)")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", cfg.SIPTransport, "signaling transport (ws, wss, udp, tcp)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", cfg.SIPUsername, "SIP account username")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", cfg.SIPAuthUser, "digest auth username (defaults to sip-username)")
	fs.StringVar(&cfg.SIPPassword, "sip-password", cfg.SIPPassword, "SIP account password")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", cfg.SIPDomain, "SIP domain (defaults to the registrar host)")
	fs.StringVar(&cfg.SIPDisplayName, "sip-display-name", cfg.SIPDisplayName, "display name sent in From headers")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen", cfg.SIPListenAddr, "optional udp/tcp listen address for inbound requests")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", cfg.SIPTrace, "SIP message tracing (off, headers, full)")

	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", cfg.RegisterExpiry, "requested registration expiry in seconds")
	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", cfg.RegisterTimeout, "deadline for a REGISTER round trip")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "interval between OPTIONS keepalives")
	fs.DurationVar(&cfg.KeepaliveTimeout, "keepalive-timeout", cfg.KeepaliveTimeout, "deadline for an OPTIONS keepalive")
	fs.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "initial reconnect backoff")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "reconnect backoff ceiling")
	fs.IntVar(&cfg.RetryBudget, "retry-budget", cfg.RetryBudget, "failed registration attempts before the line is lost (0 = unlimited)")

	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "outbound dial without remote progress fails after this long")
	fs.DurationVar(&cfg.AnswerTimeout, "answer-timeout", cfg.AnswerTimeout, "a ringing outbound call is abandoned after this long")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "unanswered inbound calls are rejected after this long")

	fs.DurationVar(&cfg.HealthWindow, "health-window", cfg.HealthWindow, "sliding window for connection health")
	fs.DurationVar(&cfg.HealthTick, "health-tick", cfg.HealthTick, "connection health re-evaluation interval")

	fs.StringVar(&cfg.Campaign, "campaign", cfg.Campaign, "campaign tag for queue and missed calls")
	fs.DurationVar(&cfg.QueuePoll, "queue-poll", cfg.QueuePoll, "inbound queue poll interval")
	fs.DurationVar(&cfg.FollowUpPoll, "followup-poll", cfg.FollowUpPoll, "follow-up list poll interval")
	fs.DurationVar(&cfg.FollowUpTick, "followup-tick", cfg.FollowUpTick, "follow-up alert recompute interval")
	fs.DurationVar(&cfg.FollowUpLead, "followup-lead", cfg.FollowUpLead, "how long before a follow-up it becomes an alert")
	fs.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "call-center backend base URL")
	fs.StringVar(&cfg.BackendToken, "backend-token", cfg.BackendToken, "bearer token for the backend")
	fs.Float64Var(&cfg.BackendRate, "backend-rate", cfg.BackendRate, "backend requests per second")
	fs.StringVar(&cfg.AgentPINHash, "agent-pin-hash", cfg.AgentPINHash, "agent PIN hash for API login (see agentphone hash-pin)")
	fs.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "agent name used as the token subject")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", cfg.FCMCredentials, "Firebase service account file for callback alerts")
	fs.StringVar(&cfg.FCMDeviceToken, "fcm-device-token", cfg.FCMDeviceToken, "FCM token of the agent's mobile device")

	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", cfg.PushGatewayURL, "push gateway base URL for relayed alerts")
	fs.StringVar(&cfg.PushGatewayKey, "push-gateway-key", cfg.PushGatewayKey, "license key presented to the push gateway")
	fs.StringVar(&cfg.PushToken, "push-token", cfg.PushToken, "device token registered with the push gateway")
	fs.StringVar(&cfg.PushPlatform, "push-platform", cfg.PushPlatform, "push platform of the device (fcm, apns)")

	fs.StringVar(&cfg.SMTPHost, "smtp-host", cfg.SMTPHost, "SMTP relay for alert emails")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", cfg.SMTPPort, "SMTP port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", cfg.SMTPFrom, "sender address for alert emails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", cfg.SMTPUsername, "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", cfg.SMTPPassword, "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", cfg.SMTPTLS, "SMTP TLS mode (none, starttls, tls)")
	fs.StringVar(&cfg.AlertEmail, "alert-email", cfg.AlertEmail, "address that receives alert emails")

	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", cfg.RTPPortMin, "minimum local RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", cfg.RTPPortMax, "maximum local RTP port")
	fs.StringVar(&cfg.MediaIP, "media-ip", cfg.MediaIP, "IP address advertised in SDP (auto-detected if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that the config values are sane and fills derived defaults.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTransports := map[string]bool{"ws": true, "wss": true, "udp": true, "tcp": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of ws, wss, udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.SIPRegistrar != "" {
		host, err := registrarHost(c.SIPRegistrar)
		if err != nil {
			return err
		}
		if c.SIPUsername == "" {
			return fmt.Errorf("sip-username is required when sip-registrar is set")
		}
		if c.SIPDomain == "" {
			c.SIPDomain = host
		}
		if c.SIPProxy == "" {
			c.SIPProxy = defaultProxy(host, c.SIPTransport)
		}
	}
	if c.SIPAuthUser == "" {
		c.SIPAuthUser = c.SIPUsername
	}

	if c.RegisterExpiry < 60 || c.RegisterExpiry > 86400 {
		return fmt.Errorf("register-expiry must be between 60 and 86400 seconds, got %d", c.RegisterExpiry)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention-days must not be negative, got %d", c.RetentionDays)
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("retry-budget must not be negative, got %d", c.RetryBudget)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff-base must be positive and not above backoff-max (%s, %s)", c.BackoffBase, c.BackoffMax)
	}

	positive := map[string]time.Duration{
		"register-timeout":   c.RegisterTimeout,
		"keepalive-interval": c.KeepaliveInterval,
		"keepalive-timeout":  c.KeepaliveTimeout,
		"dial-timeout":       c.DialTimeout,
		"answer-timeout":     c.AnswerTimeout,
		"ring-timeout":       c.RingTimeout,
		"health-window":      c.HealthWindow,
		"health-tick":        c.HealthTick,
		"queue-poll":         c.QueuePoll,
		"followup-poll":      c.FollowUpPoll,
		"followup-tick":      c.FollowUpTick,
		"followup-lead":      c.FollowUpLead,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	// Alerts are recomputed at least once a minute.
	if c.FollowUpTick > time.Minute {
		return fmt.Errorf("followup-tick must not exceed 1m, got %s", c.FollowUpTick)
	}
	if c.BackendRate <= 0 {
		return fmt.Errorf("backend-rate must be positive, got %v", c.BackendRate)
	}

	if c.DatabaseDSN != "" && c.DatabaseDriver() == "" {
		return fmt.Errorf("database-dsn must be a postgres:// URL, got %q", c.DatabaseDSN)
	}
	if (c.FCMCredentials == "") != (c.FCMDeviceToken == "") {
		return fmt.Errorf("fcm-credentials and fcm-device-token must both be provided or both be omitted")
	}
	if c.PushGatewayURL != "" {
		if c.PushGatewayKey == "" || c.PushToken == "" {
			return fmt.Errorf("push-gateway-url requires push-gateway-key and push-token")
		}
		c.PushPlatform = strings.ToLower(c.PushPlatform)
		if c.PushPlatform != "fcm" && c.PushPlatform != "apns" {
			return fmt.Errorf("push-platform must be one of fcm, apns; got %q", c.PushPlatform)
		}
	}
	if c.AlertEmail != "" {
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return fmt.Errorf("alert-email requires smtp-host and smtp-from")
		}
		validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
		if !validTLS[strings.ToLower(c.SMTPTLS)] {
			return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
		}
		c.SMTPTLS = strings.ToLower(c.SMTPTLS)
	}

	return nil
}

// registrarHost extracts the host part of a sip: or sips: registrar URI.
func registrarHost(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "sip:")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "sips:")
	}
	if !ok || rest == "" {
		return "", fmt.Errorf("sip-registrar must be a sip: or sips: URI, got %q", uri)
	}
	if i := strings.IndexAny(rest, ";?"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	host, _, err := net.SplitHostPort(rest)
	if err != nil {
		host = rest
	}
	if host == "" {
		return "", fmt.Errorf("sip-registrar has no host: %q", uri)
	}
	return host, nil
}

// defaultProxy returns host:port using the well-known port of the transport.
func defaultProxy(host, transport string) string {
	port := "5060"
	switch transport {
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	}
	return net.JoinHostPort(host, port)
}

// Registered reports whether a SIP account is configured.
func (c *Config) Registered() bool {
	return c.SIPRegistrar != ""
}

// DatabaseDriver returns the database/sql driver name for the configured DSN:
// "sqlite" when no DSN is set, "pgx" for postgres URLs, "" otherwise.
func (c *Config) DatabaseDriver() string {
	if c.DatabaseDSN == "" {
		return "sqlite"
	}
	u, err := url.Parse(c.DatabaseDSN)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return "pgx"
	}
	return ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AdvertisedMediaIP returns the IP address to put in SDP. If MediaIP is
// configured, it is returned directly. Otherwise the machine's primary
// non-loopback IPv4 address is used, falling back to "127.0.0.1".
func (c *Config) AdvertisedMediaIP() string {
	if c.MediaIP != "" {
		return c.MediaIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
