package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultTick           = 30 * time.Second
	DefaultInitTimeout    = 60 * time.Second
	DefaultJoinTimeout    = 5 * time.Second
	DefaultComposeTimeout = 10 * time.Second
	DefaultActionTimeout  = 30 * time.Second
	DefaultGenTimeout     = 30 * time.Second
	DefaultPanelAddr      = "127.0.0.1:5000"
	DefaultAPIKeyEnv      = "GROQ_API_KEY"
)

// ParseDurationField parses a Go duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// TickDuration returns the poll interval, DefaultTick when unset.
func (s SchedulerConfig) TickDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.tick", s.Tick, DefaultTick)
}

// Location resolves the timezone; empty means time.Local.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// SessionTimeouts are the resolved bounded waits of the delivery session.
type SessionTimeouts struct {
	Init    time.Duration
	Join    time.Duration
	Compose time.Duration
	Action  time.Duration
}

func (s SessionConfig) Timeouts() (SessionTimeouts, error) {
	var (
		t   SessionTimeouts
		err error
	)
	if t.Init, err = ParseDurationOrDefault("session.init_timeout", s.InitTimeout, DefaultInitTimeout); err != nil {
		return t, err
	}
	if t.Join, err = ParseDurationOrDefault("session.join_timeout", s.JoinTimeout, DefaultJoinTimeout); err != nil {
		return t, err
	}
	if t.Compose, err = ParseDurationOrDefault("session.compose_timeout", s.ComposeTimeout, DefaultComposeTimeout); err != nil {
		return t, err
	}
	if t.Action, err = ParseDurationOrDefault("session.action_timeout", s.ActionTimeout, DefaultActionTimeout); err != nil {
		return t, err
	}
	return t, nil
}

func (g GeneratorConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("generator.timeout", g.Timeout, DefaultGenTimeout)
}

func (g GeneratorConfig) KeyEnv() string {
	if v := strings.TrimSpace(g.APIKeyEnv); v != "" {
		return v
	}
	return DefaultAPIKeyEnv
}

func (p PanelConfig) ListenAddr() string {
	if v := strings.TrimSpace(p.Addr); v != "" {
		return v
	}
	return DefaultPanelAddr
}

// Validate checks every field that would otherwise fail late, at use time.
// It is also the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.Scheduler.TickDuration(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		return err
	}
	if _, err := cfg.Session.Timeouts(); err != nil {
		return err
	}
	if _, err := cfg.Generator.TimeoutDuration(); err != nil {
		return err
	}
	if t := cfg.Generator.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("generator.temperature: must be within [0, 2]")
	}
	if cfg.Generator.MaxTokens < 0 {
		return fmt.Errorf("generator.max_tokens: must be >= 0")
	}

	for _, f := range []struct{ path, raw string }{
		{"panel.read_timeout", cfg.Panel.ReadTimeout},
		{"panel.write_timeout", cfg.Panel.WriteTimeout},
		{"panel.idle_timeout", cfg.Panel.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if err := validatePanelExposure(cfg.Panel); err != nil {
		return err
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.Logging.Alerts.Enabled && cfg.Telegram == nil {
		return fmt.Errorf("logging.alerts: enabled without a telegram section")
	}
	if tg := cfg.Telegram; tg != nil && tg.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id: required")
	}
	return nil
}

func validatePanelExposure(p PanelConfig) error {
	host, _, err := net.SplitHostPort(p.ListenAddr())
	if err != nil {
		return fmt.Errorf("panel.addr: %w", err)
	}
	if isLoopbackHost(host) || p.AllowInsecure || strings.TrimSpace(p.Token) != "" {
		return nil
	}
	return fmt.Errorf("panel.addr: non-loopback bind requires panel.token or panel.allow_insecure")
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
