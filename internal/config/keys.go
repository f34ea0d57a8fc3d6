package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "B24SYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "B24SYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "B24SYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "bitrix.webhook_url", typ: kString, env: "B24SYNC_BITRIX_WEBHOOK_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Bitrix.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bitrix.WebhookURL },
	},
	{
		key: "bitrix.timeout", typ: kString, env: "B24SYNC_BITRIX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Bitrix.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Bitrix.Timeout },
	},
	{
		key: "api.token", typ: kString, env: "B24SYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "engine.entities_file", typ: kString, env: "B24SYNC_ENGINE_ENTITIES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Engine.EntitiesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EntitiesFile },
	},
	{
		key: "engine.anti_loop_window", typ: kString, env: "B24SYNC_ENGINE_ANTI_LOOP_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Engine.AntiLoopWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.AntiLoopWindow },
	},
	{
		key: "engine.upload_chunk_size", typ: kInt, env: "B24SYNC_ENGINE_UPLOAD_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Engine.UploadChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.UploadChunkSize },
	},
	{
		key: "engine.max_zip_entries", typ: kInt, env: "B24SYNC_ENGINE_MAX_ZIP_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxZipEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxZipEntries },
	},
	{
		key: "engine.max_entry_bytes", typ: kInt, env: "B24SYNC_ENGINE_MAX_ENTRY_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxEntryBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxEntryBytes },
	},
	{
		key: "engine.max_download_bytes", typ: kInt, env: "B24SYNC_ENGINE_MAX_DOWNLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxDownloadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxDownloadBytes },
	},
	{
		key: "engine.download_workers", typ: kInt, env: "B24SYNC_ENGINE_DOWNLOAD_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Engine.DownloadWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.DownloadWorkers },
	},
	{
		key: "engine.deadline_hour", typ: kInt, env: "B24SYNC_ENGINE_DEADLINE_HOUR",
		apply:   func(cfg *Config, v any) { cfg.Engine.DeadlineHour = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.DeadlineHour },
	},
	{
		key: "engine.tz_offset_hours", typ: kFloat, env: "B24SYNC_ENGINE_TZ_OFFSET_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Engine.TZOffsetHours = v.(float64) },
		extract: func(cfg Config) any { return cfg.Engine.TZOffsetHours },
	},
	{
		key: "engine.notify_empty_files", typ: kBool, env: "B24SYNC_ENGINE_NOTIFY_EMPTY_FILES",
		apply:   func(cfg *Config, v any) { cfg.Engine.NotifyEmptyFiles = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.NotifyEmptyFiles },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
