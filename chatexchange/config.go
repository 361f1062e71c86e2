package chatexchange

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls how the SDK talks to the chat site.
type Config struct {
	// BaseURL overrides the chat root derived from the Host, e.g. for a
	// local test server. Empty means use Host.BaseURL().
	BaseURL string `env:"CHATEXCHANGE_BASE_URL"`
	// SiteURL overrides the site the login walk runs against. Empty means
	// "https://" + Host.LoginHost().
	SiteURL   string `env:"CHATEXCHANGE_SITE_URL"`
	UserAgent string `env:"CHATEXCHANGE_USER_AGENT"`

	HTTPTimeout      time.Duration `env:"CHATEXCHANGE_HTTP_TIMEOUT"`
	HandshakeTimeout time.Duration `env:"CHATEXCHANGE_HANDSHAKE_TIMEOUT"`

	// ThrottleAttempts is how many times a request is sent while the server
	// keeps throttling it. The last throttled response fails the request.
	ThrottleAttempts int `env:"CHATEXCHANGE_THROTTLE_ATTEMPTS"`
	MaxMessageLength int `env:"CHATEXCHANGE_MAX_MESSAGE_LENGTH"`
	// OutboundWorkers caps concurrent outbound operations per room.
	OutboundWorkers int `env:"CHATEXCHANGE_OUTBOUND_WORKERS"`

	TokenRefreshInterval    time.Duration `env:"CHATEXCHANGE_TOKEN_REFRESH_INTERVAL"`
	PingableRefreshInterval time.Duration `env:"CHATEXCHANGE_PINGABLE_REFRESH_INTERVAL"`
	// WatchdogInterval is both the check period and the allowed silence on
	// the socket before it is reopened.
	WatchdogInterval   time.Duration `env:"CHATEXCHANGE_WATCHDOG_INTERVAL"`
	SocketRestartPause time.Duration `env:"CHATEXCHANGE_SOCKET_RESTART_PAUSE"`
	EditWindow         time.Duration `env:"CHATEXCHANGE_EDIT_WINDOW"`
}

func (c Config) chatURL(h Host) string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return h.BaseURL()
}

// loginURL is the site holding the login form for h.
func (c Config) loginURL(h Host) string {
	if c.SiteURL != "" {
		return c.SiteURL
	}
	return "https://" + h.LoginHost()
}

// siteURL is the site whose /users/current confirms a login to h.
func (c Config) siteURL(h Host) string {
	if c.SiteURL != "" {
		return c.SiteURL
	}
	return "https://" + h.Name()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:               "Mozilla",
		HTTPTimeout:             10 * time.Second,
		HandshakeTimeout:        10 * time.Second,
		ThrottleAttempts:        5,
		MaxMessageLength:        DefaultMaxMessageLength,
		OutboundWorkers:         4,
		TokenRefreshInterval:    time.Hour,
		PingableRefreshInterval: 24 * time.Hour,
		WatchdogInterval:        30 * time.Second,
		SocketRestartPause:      3 * time.Second,
		EditWindow:              115 * time.Second,
	}
}

// LoadConfig returns DefaultConfig overlaid with any CHATEXCHANGE_*
// environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, WrapError(ErrorInvalidConfig, "parse env", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.ThrottleAttempts <= 0:
		return NewError(ErrorInvalidConfig, "throttle attempts must be positive")
	case c.MaxMessageLength <= 0:
		return NewError(ErrorInvalidConfig, "max message length must be positive")
	case c.OutboundWorkers <= 0:
		return NewError(ErrorInvalidConfig, "outbound workers must be positive")
	}
	for name, d := range map[string]time.Duration{
		"token refresh interval":    c.TokenRefreshInterval,
		"pingable refresh interval": c.PingableRefreshInterval,
		"watchdog interval":         c.WatchdogInterval,
	} {
		if d <= 0 {
			return NewError(ErrorInvalidConfig, fmt.Sprintf("%s must be positive", name))
		}
	}
	return nil
}
