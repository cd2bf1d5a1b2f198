package app

import (
	"os"
	"strings"
	"time"

	"groupbot/internal/browser"
	"groupbot/internal/config"
	"groupbot/internal/generator"
	"groupbot/internal/notifier/telegram"
	"groupbot/internal/panel"
	"groupbot/internal/session"
	"groupbot/internal/storage"
	"groupbot/internal/task/scheduler"
	logx "groupbot/pkg/logx"
)

const defaultTelegramTokenEnv = "TELEGRAM_BOT_TOKEN"

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	tick, err := cfg.Scheduler.TickDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Tick: tick, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}, nil
}

// mapSession overlays configured values on the built-in defaults.
func mapSession(cfg *config.Config) (session.Config, browser.Config, error) {
	sc := cfg.Session
	t, err := sc.Timeouts()
	if err != nil {
		return session.Config{}, browser.Config{}, err
	}
	out := session.DefaultConfig()
	if v := strings.TrimSpace(sc.HostURL); v != "" {
		out.HostURL = v
	}
	out.InitTimeout = t.Init
	out.JoinTimeout = t.Join
	out.ComposeTimeout = t.Compose
	out.ActionTimeout = t.Action
	overlay(&out.Selectors.Ready, sc.Selectors.Ready)
	overlay(&out.Selectors.Join, sc.Selectors.Join)
	overlay(&out.Selectors.Composer, sc.Selectors.Composer)
	overlay(&out.Selectors.Login, sc.Selectors.Login)
	if out.Selectors.Login == "none" {
		out.Selectors.Login = ""
	}

	bc := browser.Config{
		ProfileDir: strings.TrimSpace(sc.ProfileDir),
		Headless:   sc.Headless,
		ChromePath: strings.TrimSpace(sc.ChromePath),
	}
	return out, bc, nil
}

func overlay(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func mapGenerator(cfg *config.Config) (generator.Config, error) {
	g := cfg.Generator
	timeout, err := g.TimeoutDuration()
	if err != nil {
		return generator.Config{}, err
	}
	return generator.Config{
		BaseURL:     strings.TrimSpace(g.BaseURL),
		Model:       strings.TrimSpace(g.Model),
		Temperature: g.Temperature,
		MaxTokens:   g.MaxTokens,
		Timeout:     timeout,
	}, nil
}

func mapPanel(cfg *config.Config) (panel.Config, error) {
	p := cfg.Panel
	read, err := config.ParseDurationOrDefault("panel.read_timeout", p.ReadTimeout, 15*time.Second)
	if err != nil {
		return panel.Config{}, err
	}
	// Commands like init-session block for the whole browser startup.
	write, err := config.ParseDurationOrDefault("panel.write_timeout", p.WriteTimeout, 2*time.Minute)
	if err != nil {
		return panel.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("panel.idle_timeout", p.IdleTimeout, time.Minute)
	if err != nil {
		return panel.Config{}, err
	}
	return panel.Config{
		Addr:          p.ListenAddr(),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
		RatePerSec:    p.RatePerSec,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

// mapTelegram resolves the alert bot. ok is false when the section is absent.
func mapTelegram(cfg *config.Config) (telegram.Config, bool) {
	tg := cfg.Telegram
	if tg == nil {
		return telegram.Config{}, false
	}
	token := strings.TrimSpace(tg.Token)
	if token == "" {
		env := strings.TrimSpace(tg.TokenEnv)
		if env == "" {
			env = defaultTelegramTokenEnv
		}
		token = strings.TrimSpace(os.Getenv(env))
	}
	return telegram.Config{Token: token, ChatID: tg.ChatID, ThreadID: tg.ThreadID}, true
}
