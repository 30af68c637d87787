package config

import (
	"reflect"
	"strings"

	logx "subwatch/pkg/logx"
)

// ChangeSummary describes a reload. Fields never carry secrets.
type ChangeSummary struct {
	Sections []string
	Fields   []logx.Field
	// NeedsRestart lists changed sections that are only read at startup.
	NeedsRestart []string
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary
	add := func(section string, restart bool, fields ...logx.Field) {
		s.Sections = append(s.Sections, section)
		s.Fields = append(s.Fields, fields...)
		if restart {
			s.NeedsRestart = append(s.NeedsRestart, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) ||
		ot.PollTimeout != nt.PollTimeout || ot.HTTPTimeout != nt.HTTPTimeout ||
		ot.RatePerSec != nt.RatePerSec || ot.OpsChatID != nt.OpsChatID {
		add("telegram", true,
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
			logx.Bool("telegram.ops_chat_set", nt.OpsChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		add("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.Redis.Password, nst.Redis.Password = "", ""
	if !reflect.DeepEqual(ost, nst) || oldCfg.Storage.Redis.Password != newCfg.Storage.Redis.Password {
		add("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	oc, nc := oldCfg.Checker, newCfg.Checker
	if !reflect.DeepEqual(oc, nc) {
		restart := oc.SourceURL != nc.SourceURL || oc.UserAgent != nc.UserAgent ||
			oc.Timeout != nc.Timeout || oc.EventBuffer != nc.EventBuffer ||
			!reflect.DeepEqual(oc.Subjects, nc.Subjects)
		add("checker", restart,
			logx.String("checker.schedule", nc.Schedule),
			logx.String("checker.timezone", nc.Timezone),
			logx.Int("checker.subjects", len(nc.Subjects)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Diff, newCfg.Diff) {
		add("diff", false,
			logx.Int("diff.identity_rules", len(newCfg.Diff.Identity)),
			logx.Int("diff.abbreviations", len(newCfg.Diff.Relevance.Abbreviations)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		add("notifier", false,
			logx.String("notifier.idle_close", newCfg.Notifier.IdleClose),
			logx.String("notifier.expiry", newCfg.Notifier.Expiry),
		)
	}

	if !reflect.DeepEqual(oldCfg.Registration, newCfg.Registration) {
		add("registration", true, logx.Bool("registration.enabled", newCfg.Registration.Enabled))
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		add("debug", false,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_changed", od.Token != nd.Token),
			logx.Bool("debug.pprof", nd.Pprof),
		)
	}
	return s
}
