package config

// Config is the full on-disk configuration. Durations are strings in
// time.ParseDuration syntax ("30s", "1m"). Unknown fields are rejected so
// typos fail loudly instead of silently using defaults.
type Config struct {
	Web           WebConfig           `json:"web"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	StackOverflow StackOverflowConfig `json:"stackoverflow"`
	Poller        PollerConfig        `json:"poller"`
	Hub           HubConfig           `json:"hub"`
	Push          PushConfig          `json:"push"`
}

type WebConfig struct {
	Listen    string `json:"listen"`
	PublicURL string `json:"public_url"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// StackOverflowConfig holds the app credentials for the Stack Exchange API.
// ClientID/ClientSecret drive the OAuth exchange; Key is the request key
// that raises the API quota. RatePerSec bounds outgoing API calls per
// access token.
type StackOverflowConfig struct {
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	Key            string `json:"key"`
	RequestTimeout string `json:"request_timeout"`
	RatePerSec     int    `json:"rate_per_sec"`
}

type PollerConfig struct {
	Enabled       bool   `json:"enabled"`
	Cadence       string `json:"cadence"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	BackoffBase   string `json:"backoff_base"`
	BackoffCap    string `json:"backoff_cap"`
	StoreRetryMax int    `json:"store_retry_max"`
}

type HubConfig struct {
	QueueDepth int `json:"queue_depth"`
}

type PushConfig struct {
	Enabled    bool               `json:"enabled"`
	RatePerSec int                `json:"rate_per_sec"`
	RetryMax   int                `json:"retry_max"`
	Pushover   PushoverConfig     `json:"pushover"`
	Telegram   PushTelegramConfig `json:"telegram"`
}

type PushoverConfig struct {
	Token string `json:"token"`
}

type PushTelegramConfig struct {
	Token string `json:"token"`
}
