package config

import (
	"reflect"
	"sort"
	"strings"

	logx "groupbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens and keys are never included, only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if trim(oldCfg.Scheduler.Tick) != trim(newCfg.Scheduler.Tick) ||
		trim(oldCfg.Scheduler.Timezone) != trim(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", trim(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.host_url", trim(newCfg.Session.HostURL)),
			logx.Bool("session.headless", newCfg.Session.Headless),
			logx.Bool("session.selectors_changed", !reflect.DeepEqual(oldCfg.Session.Selectors, newCfg.Session.Selectors)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.String("generator.base_url", trim(newCfg.Generator.BaseURL)),
			logx.String("generator.model", trim(newCfg.Generator.Model)),
			logx.String("generator.timeout", trim(newCfg.Generator.Timeout)),
		)
	}

	if trim(oldCfg.Group.InviteLink) != trim(newCfg.Group.InviteLink) {
		changed = append(changed, "group")
		attrs = append(attrs, logx.Bool("group.invite_link_set", trim(newCfg.Group.InviteLink) != ""))
	}

	oP, nP := oldCfg.Panel, newCfg.Panel
	if trim(oP.Addr) != trim(nP.Addr) ||
		oP.AllowInsecure != nP.AllowInsecure ||
		oP.RatePerSec != nP.RatePerSec ||
		trim(oP.ReadTimeout) != trim(nP.ReadTimeout) ||
		trim(oP.WriteTimeout) != trim(nP.WriteTimeout) ||
		trim(oP.IdleTimeout) != trim(nP.IdleTimeout) ||
		(trim(oP.Token) != "") != (trim(nP.Token) != "") {
		changed = append(changed, "panel")
		attrs = append(attrs,
			logx.String("panel.addr", nP.ListenAddr()),
			logx.Bool("panel.token_set", trim(nP.Token) != ""),
			logx.Bool("panel.allow_insecure", nP.AllowInsecure),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = trim(s.Driver), trim(s.BusyTimeout), trim(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = trim(s.Driver), trim(s.BusyTimeout), trim(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if (oldCfg.Telegram != nil) != (newCfg.Telegram != nil) ||
		oT.ChatID != nT.ChatID || oT.ThreadID != nT.ThreadID ||
		trim(oT.TokenEnv) != trim(nT.TokenEnv) ||
		(trim(oT.Token) != "") != (trim(nT.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
			logx.Bool("telegram.token_set", trim(nT.Token) != ""),
			logx.Int("telegram.thread_id", nT.ThreadID),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect after a
// process restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "panel", "storage", "telegram", "group":
			out = append(out, c)
		}
	}
	return out
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func trim(s string) string { return strings.TrimSpace(s) }
