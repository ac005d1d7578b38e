package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "server.base_url", typ: kString, env: "DOCCHAT_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.timeout", typ: kDuration, env: "DOCCHAT_SERVER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.Timeout },
	},
	{
		key: "auth.issuer", typ: kString, env: "DOCCHAT_AUTH_ISSUER",
		apply:   func(cfg *Config, v any) { cfg.Auth.Issuer = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Issuer },
	},
	{
		key: "auth.client_id", typ: kString, env: "DOCCHAT_AUTH_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Auth.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.ClientID },
	},
	{
		key: "auth.callback_port", typ: kInt, env: "DOCCHAT_AUTH_CALLBACK_PORT",
		apply:   func(cfg *Config, v any) { cfg.Auth.CallbackPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Auth.CallbackPort },
	},
	{
		key: "auth.scopes", typ: kString, env: "DOCCHAT_AUTH_SCOPES",
		apply:   func(cfg *Config, v any) { cfg.Auth.Scopes = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Scopes },
	},
	{
		key: "auth.keep_alive_interval", typ: kDuration, env: "DOCCHAT_AUTH_KEEP_ALIVE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Auth.KeepAliveInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Auth.KeepAliveInterval },
	},
	{
		key: "auth.access_token", typ: kString, env: "DOCCHAT_ACCESS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AccessToken },
	},
	{
		key: "chat.model", typ: kString, env: "DOCCHAT_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "knowledge.poll_interval", typ: kDuration, env: "DOCCHAT_KNOWLEDGE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Knowledge.PollInterval },
	},
	{
		key: "knowledge.watch_uploads", typ: kBool, env: "DOCCHAT_KNOWLEDGE_WATCH_UPLOADS",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.WatchUploads = v.(bool) },
		extract: func(cfg Config) any { return cfg.Knowledge.WatchUploads },
	},
	{
		key: "pdf.load_timeout", typ: kDuration, env: "DOCCHAT_PDF_LOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.PDF.LoadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.PDF.LoadTimeout },
	},
	{
		key: "pdf.settle_delay", typ: kDuration, env: "DOCCHAT_PDF_SETTLE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.PDF.SettleDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.PDF.SettleDelay },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DOCCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "locale", typ: kString, env: "DOCCHAT_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.Locale },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := readKey(b, s)
		var verr *ValueError
		switch {
		case errors.As(err, &verr):
			slog.Warn("ignoring invalid config value, using default", "key", s.key, "value", verr.Value, "error", verr.Err)
		case err != nil:
			return fmt.Errorf("reading %s: %w", s.key, err)
		case ok:
			s.apply(cfg, v)
		}
	}
	return nil
}

func readKey(b Backend, s keySpec) (any, bool, error) {
	switch s.typ {
	case kInt:
		v, ok, err := b.GetInt(s.key)
		return v, ok, err
	case kBool:
		v, ok, err := b.GetBool(s.key)
		return v, ok, err
	case kDuration:
		v, ok, err := b.GetDuration(s.key)
		return v, ok, err
	default:
		v, ok, err := b.GetString(s.key)
		return v, ok, err
	}
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
				warnEnv(s, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				warnEnv(s, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				warnEnv(s, raw, err)
			}
		}
	}
}

func warnEnv(s keySpec, raw string, err error) {
	slog.Warn("ignoring invalid environment override, using default", "env", s.env, "value", raw, "error", err)
}

// parseDuration accepts Go duration syntax and rejects negative values.
func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
