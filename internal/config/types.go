// Package config loads the service configuration from JSON or YAML and
// republishes it when the file changes.
package config

// Config is the on-disk configuration. Durations are Go duration strings.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Checker      CheckerConfig      `json:"checker"`
	Diff         DiffConfig         `json:"diff"`
	Notifier     NotifierConfig     `json:"notifier"`
	Registration RegistrationConfig `json:"registration"`
	Debug        DebugConfig        `json:"debug"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	// RatePerSec bounds outgoing pushes (default 25).
	RatePerSec int   `json:"rate_per_sec,omitempty"`
	OpsChatID  int64 `json:"ops_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to telegram.ops_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./subwatch.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
	Retry       RetryConfig `json:"retry,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// RetryConfig shapes the backoff on rate-limited store calls.
type RetryConfig struct {
	Base       string  `json:"base,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Max        string  `json:"max,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
}

type CheckerConfig struct {
	SourceURL string `json:"source_url"`
	UserAgent string `json:"user_agent,omitempty"`
	// Schedule accepts cron, "5m", "00:10", "daily:HH:MM" or "schooldays:HH:MM".
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Subjects restricts checking to these subjects; empty means all.
	Subjects    []string `json:"subjects,omitempty"`
	EventBuffer int      `json:"event_buffer,omitempty"`
}

type DiffConfig struct {
	DefaultKey []int            `json:"default_key,omitempty"`
	Identity   map[string][]int `json:"identity,omitempty"`
	Relevance  RelevanceConfig  `json:"relevance,omitempty"`
}

type RelevanceConfig struct {
	PrimaryField    *int              `json:"primary_field,omitempty"`
	SecondaryField  *int              `json:"secondary_field,omitempty"`
	AssemblyMarkers []string          `json:"assembly_markers,omitempty"`
	Abbreviations   map[string]string `json:"abbreviations,omitempty"`
}

type NotifierConfig struct {
	IdleClose         string `json:"idle_close,omitempty"`
	Expiry            string `json:"expiry,omitempty"`
	Category          string `json:"category,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	HousekeepingQueue int    `json:"housekeeping_queue,omitempty"`
}

type RegistrationConfig struct {
	Enabled bool   `json:"enabled"`
	Workers int    `json:"workers,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// DebugConfig controls the operator endpoint (/healthz, /status, pprof).
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
