package config

// Config is the static process configuration. Runtime settings entered in the
// panel (credential, target address, running flag) live in state.Store and are
// never written back here.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Session   SessionConfig   `json:"session"`
	Generator GeneratorConfig `json:"generator"`
	Group     GroupConfig     `json:"group"`
	Panel     PanelConfig     `json:"panel"`

	// Storage is optional; nil disables dispatch history.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Telegram is optional; it is only used as the alert sink for logging.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn/error lines to the telegram section's chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the polling loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s"
//   - timezone: process local time
type SchedulerConfig struct {
	// Tick is a Go duration string (e.g. "30s", "1m").
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// SessionConfig controls the browser delivery session.
//
// All durations are Go duration strings. Defaults:
//   - host_url: "https://web.whatsapp.com"
//   - profile_dir: "./whatsapp_session"
//   - init_timeout: "60s", join_timeout: "5s", compose_timeout: "10s", action_timeout: "30s"
type SessionConfig struct {
	HostURL    string `json:"host_url,omitempty"`
	ProfileDir string `json:"profile_dir,omitempty"`
	Headless   bool   `json:"headless,omitempty"`
	ChromePath string `json:"chrome_path,omitempty"`

	InitTimeout    string `json:"init_timeout,omitempty"`
	JoinTimeout    string `json:"join_timeout,omitempty"`
	ComposeTimeout string `json:"compose_timeout,omitempty"`
	ActionTimeout  string `json:"action_timeout,omitempty"`

	Selectors SelectorsConfig `json:"selectors"`
}

// SelectorsConfig overrides the page selectors (XPath or CSS). Empty keeps
// the built-in value.
type SelectorsConfig struct {
	Ready    string `json:"ready,omitempty"`
	Join     string `json:"join,omitempty"`
	Composer string `json:"composer,omitempty"`
	Login    string `json:"login,omitempty"`
}

// GeneratorConfig controls the chat-completion client.
//
// Temperature is a pointer so an explicit 0 is kept.
type GeneratorConfig struct {
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	// APIKeyEnv names the environment variable that seeds the credential at
	// startup (default GROQ_API_KEY). The key itself never lives in this file.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

type GroupConfig struct {
	// InviteLink seeds the target address at startup.
	InviteLink string `json:"invite_link,omitempty"`
}

// PanelConfig controls the HTTP control panel.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:5000").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PanelConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// RatePerSec limits command requests; 0 uses the default of 2.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the dispatch history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./groupbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelegramConfig is the bot used for operator alerts.
type TelegramConfig struct {
	// Token may be left empty when TokenEnv names an environment variable.
	Token    string `json:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}
