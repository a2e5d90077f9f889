package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// Sections that take effect on reload without a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"admins":    true,
	"publisher": true,
	"notifier":  true,
}

// HotReloadable reports whether a changed section is applied live.
func HotReloadable(section string) bool { return hotSections[section] }

// SummarizeConfigChange returns the sorted names of changed sections and
// structured attrs for logging. Secrets (tokens, DSNs, redis URLs) are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT.Token != nT.Token ||
		strings.TrimSpace(oT.PollTimeout) != strings.TrimSpace(nT.PollTimeout) ||
		oT.DeliveryRate != nT.DeliveryRate ||
		strings.TrimSpace(oT.APIURL) != strings.TrimSpace(nT.APIURL) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nT.PollTimeout)),
			logx.Int("telegram.delivery_rate", nT.DeliveryRate),
		)
	}
	if !reflect.DeepEqual(oT.AdminIDs, nT.AdminIDs) {
		changed = append(changed, "admins")
		attrs = append(attrs, logx.Int("admins.count", len(nT.AdminIDs)))
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	oSe, nSe := oldCfg.Session, newCfg.Session
	if !reflect.DeepEqual(oSe, nSe) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.driver", strings.TrimSpace(nSe.Driver)),
			logx.String("session.ttl", strings.TrimSpace(nSe.TTL)),
			logx.Bool("session.redis_url_set", strings.TrimSpace(nSe.RedisURL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		p := newCfg.Publisher
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.delivery_timeout", strings.TrimSpace(p.DeliveryTimeout)),
			logx.String("publisher.outcome_timeout", strings.TrimSpace(p.OutcomeTimeout)),
			logx.Int("publisher.store_retries", p.StoreRetries),
		)
	}

	oN, nN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	// sections that only matter at startup
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"posting", oldCfg.Posting, newCfg.Posting},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"task_engine", oldCfg.TaskEngine, newCfg.TaskEngine},
		{"router", oldCfg.Router, newCfg.Router},
		{"broadcast", oldCfg.Broadcast, newCfg.Broadcast},
		{"maintenance", oldCfg.Maintenance, newCfg.Maintenance},
		{"bot", oldCfg.Bot, newCfg.Bot},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}

	oH, nH := oldCfg.Health, newCfg.Health
	oH.Pprof.Token, nH.Pprof.Token = "", ""
	if !reflect.DeepEqual(oH, nH) || oldCfg.Health.Pprof.Token != newCfg.Health.Pprof.Token {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Int("health.port", newCfg.Health.Port),
			logx.Bool("health.pprof", newCfg.Health.Pprof.Enabled),
			logx.Bool("health.pprof_token_set", strings.TrimSpace(newCfg.Health.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
