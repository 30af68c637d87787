package app

import (
	"strings"
	"time"

	"subwatch/internal/checker"
	"subwatch/internal/config"
	"subwatch/internal/diff"
	"subwatch/internal/notifier"
	"subwatch/internal/observability/debug"
	"subwatch/internal/registration"
	"subwatch/internal/schedule"
	"subwatch/internal/storage"
	"subwatch/internal/task/scheduler"
	"subwatch/internal/transport/telegram"
	logx "subwatch/pkg/logx"
)

const defaultCheckerTimeout = 2 * time.Minute

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	httpTimeout, err := config.ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
		HTTPTimeout: httpTimeout,
		OpsChatID:   cfg.Telegram.OpsChatID,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, storage.RetryPolicy, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, storage.RetryPolicy{}, err
	}
	base, err := config.ParseDurationField("storage.retry.base", sc.Retry.Base)
	if err != nil {
		return storage.Config{}, storage.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField("storage.retry.max", sc.Retry.Max)
	if err != nil {
		return storage.Config{}, storage.RetryPolicy{}, err
	}
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
	policy := storage.RetryPolicy{
		Base:       base,
		Multiplier: sc.Retry.Multiplier,
		Max:        maxDelay,
		Attempts:   sc.Retry.Attempts,
	}
	return out, policy, nil
}

// mapDiffConfig leaves unset identity rules nil; the engine fills them from its defaults.
func mapDiffConfig(cfg *config.Config) diff.Config {
	dc := cfg.Diff
	def := diff.DefaultConfig().Relevance
	out := diff.Config{
		DefaultKey: append([]int(nil), dc.DefaultKey...),
		Relevance: diff.RelevanceConfig{
			PrimaryField:    def.PrimaryField,
			SecondaryField:  def.SecondaryField,
			AssemblyMarkers: dc.Relevance.AssemblyMarkers,
			Abbreviations:   dc.Relevance.Abbreviations,
		},
	}
	if dc.Identity != nil {
		out.Identity = make(map[string][]int, len(dc.Identity))
		for k, v := range dc.Identity {
			out.Identity[k] = append([]int(nil), v...)
		}
	}
	if p := dc.Relevance.PrimaryField; p != nil {
		out.Relevance.PrimaryField = *p
	}
	if p := dc.Relevance.SecondaryField; p != nil {
		out.Relevance.SecondaryField = *p
	}
	return out
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	idle, err := config.ParseDurationField("notifier.idle_close", nc.IdleClose)
	if err != nil {
		return notifier.Config{}, err
	}
	expiry, err := config.ParseDurationField("notifier.expiry", nc.Expiry)
	if err != nil {
		return notifier.Config{}, err
	}
	send, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		IdleClose:         idle,
		Expiry:            expiry,
		Category:          strings.TrimSpace(nc.Category),
		SendTimeout:       send,
		HousekeepingQueue: nc.HousekeepingQueue,
	}, nil
}

func mapCheckerConfig(cfg *config.Config) checker.Config {
	var subjects []string
	for _, s := range cfg.Checker.Subjects {
		if s = schedule.NormalizeSubject(s); s != "" {
			subjects = append(subjects, s)
		}
	}
	return checker.Config{Subjects: subjects}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("checker.timeout", cfg.Checker.Timeout, defaultCheckerTimeout)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Checker.Timezone),
		DefaultTimeout: timeout,
	}, timeout, nil
}

func mapRegistrationConfig(cfg *config.Config) (registration.Config, error) {
	timeout, err := config.ParseDurationField("registration.timeout", cfg.Registration.Timeout)
	if err != nil {
		return registration.Config{}, err
	}
	return registration.Config{Workers: cfg.Registration.Workers, Timeout: timeout}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
		Pprof:         cfg.Debug.Pprof,
	}
}
