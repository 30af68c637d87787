package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var validDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "redis": true}

// Validate checks everything that can be checked without touching the network.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"telegram.http_timeout": cfg.Telegram.HTTPTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"storage.retry.base":    cfg.Storage.Retry.Base,
		"storage.retry.max":     cfg.Storage.Retry.Max,
		"checker.timeout":       cfg.Checker.Timeout,
		"notifier.idle_close":   cfg.Notifier.IdleClose,
		"notifier.expiry":       cfg.Notifier.Expiry,
		"notifier.send_timeout": cfg.Notifier.SendTimeout,
		"registration.timeout":  cfg.Registration.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !validDrivers[driver] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if (driver == "sqlite" || driver == "sqlite3" || driver == "file") && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", driver))
	}
	if driver == "redis" && strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
		errs = append(errs, errors.New("storage.redis.addr is required when storage.driver=redis"))
	}
	if cfg.Storage.Retry.Multiplier < 0 || (cfg.Storage.Retry.Multiplier > 0 && cfg.Storage.Retry.Multiplier < 1) {
		errs = append(errs, errors.New("storage.retry.multiplier must be >= 1"))
	}
	if cfg.Storage.Retry.Attempts < 0 {
		errs = append(errs, errors.New("storage.retry.attempts must be >= 0"))
	}

	if strings.TrimSpace(cfg.Checker.Schedule) == "" {
		errs = append(errs, errors.New("checker.schedule is required"))
	}
	if strings.TrimSpace(cfg.Checker.SourceURL) == "" {
		errs = append(errs, errors.New("checker.source_url is required"))
	}

	for cat, fields := range cfg.Diff.Identity {
		if len(fields) == 0 {
			errs = append(errs, fmt.Errorf("diff.identity.%s: empty key", cat))
		}
		for _, f := range fields {
			if f < 0 {
				errs = append(errs, fmt.Errorf("diff.identity.%s: negative field index %d", cat, f))
			}
		}
	}
	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.ops_chat_id"))
	}
	return errors.Join(errs...)
}
