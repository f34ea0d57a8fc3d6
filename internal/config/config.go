package config

import (
	"fmt"
	"math"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Bitrix  BitrixConfig
	API     APIConfig
	Engine  EngineConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type BitrixConfig struct {
	WebhookURL string
	Timeout    string
}

type APIConfig struct {
	Token string
}

type EngineConfig struct {
	EntitiesFile     string
	AntiLoopWindow   string
	UploadChunkSize  int
	MaxZipEntries    int
	MaxEntryBytes    int
	MaxDownloadBytes int
	DownloadWorkers  int
	DeadlineHour     int
	TZOffsetHours    float64
	NotifyEmptyFiles bool
}

// AntiLoop returns the anti-loop window, falling back to 5s when the
// configured value does not parse.
func (e EngineConfig) AntiLoop() time.Duration {
	d, err := time.ParseDuration(e.AntiLoopWindow)
	if err != nil || d < 0 {
		return 5 * time.Second
	}
	return d
}

// Location is the fixed zone deadlines are computed in.
func (e EngineConfig) Location() *time.Location {
	secs := int(math.Round(e.TZOffsetHours * 3600))
	return time.FixedZone(fmt.Sprintf("UTC%+g", e.TZOffsetHours), secs)
}

// RequestTimeout parses bitrix.timeout, defaulting to 30s.
func (b BitrixConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Bitrix: BitrixConfig{
			Timeout: "30s",
		},
		Engine: EngineConfig{
			EntitiesFile:     defaultEntitiesFile(),
			AntiLoopWindow:   "5s",
			UploadChunkSize:  5,
			MaxZipEntries:    50,
			MaxEntryBytes:    20 << 20,
			MaxDownloadBytes: 50 << 20,
			DownloadWorkers:  4,
			DeadlineHour:     18,
			TZOffsetHours:    3,
			NotifyEmptyFiles: true,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/b24sync/config.json, then applies B24SYNC_* environment
// overrides. Secrets (the webhook URL and API token) are read from the
// environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Bitrix.WebhookURL == "" {
		return Config{}, fmt.Errorf("missing required config: Bitrix24 webhook URL. " +
			"Set it via environment variable B24SYNC_BITRIX_WEBHOOK_URL")
	}
	if cfg.Engine.DeadlineHour < 0 || cfg.Engine.DeadlineHour > 23 {
		return Config{}, fmt.Errorf("engine.deadline_hour must be between 0 and 23, got %d", cfg.Engine.DeadlineHour)
	}

	return cfg, nil
}
