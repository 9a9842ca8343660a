// Package app wires the support service together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/config"
	"github.com/ent0n29/livehelp/internal/discord"
	"github.com/ent0n29/livehelp/internal/events"
	"github.com/ent0n29/livehelp/internal/history"
	"github.com/ent0n29/livehelp/internal/httpapi"
	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/policy"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/reliability"
	"github.com/ent0n29/livehelp/internal/session"
	"github.com/ent0n29/livehelp/internal/support"
	"github.com/ent0n29/livehelp/internal/timers"
)

type BuildResult struct {
	Config   config.Config
	Logger   zerolog.Logger
	API      *httpapi.Server
	Sessions *session.Manager
	Support  *support.Service
	Bot      *discord.Bot
	Discord  *discordgo.Session
	Events   *events.Hub
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, timers).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	dbURL, _ := policy.RedactSecrets(cfg.DatabaseURL)
	log.Info().
		Str("bind_addr", cfg.BindAddr).
		Str("history", dbURL).
		Strs("guilds", cfg.DiscordGuildIDs).
		Str("support_role", cfg.SupportRoleName).
		Dur("request_timeout", cfg.RequestTimeout).
		Dur("cooldown", cfg.Cooldown).
		Dur("retention", cfg.Retention).
		Bool("mute_on_join", cfg.MuteOnJoin).
		Msg("building livehelp")

	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	dg, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = queue.NoCooldown
	}

	clk := clock.Real()
	registry := timers.New(clk, logging.WithComponent(log, "timers"))
	sessions := session.NewManager(session.Config{
		Clock:        clk,
		Timers:       registry,
		ExpiryWindow: cfg.RequestTimeout,
		Cooldown:     cooldown,
		Retention:    cfg.Retention,
		Logger:       log,
	})
	hub := events.NewHub()

	retry := reliability.DefaultPolicy()
	if cfg.PlatformRetryAttempts > 0 {
		retry.Attempts = cfg.PlatformRetryAttempts
	}
	if cfg.PlatformRetryBase > 0 {
		retry.Base = cfg.PlatformRetryBase
	}
	platform := discord.NewPlatform(dg, retry, metrics, log)

	svc, err := support.New(support.Config{
		Sessions:        sessions,
		Platform:        platform,
		History:         historyStore,
		Events:          hub,
		Metrics:         metrics,
		Clock:           clk,
		Logger:          log,
		PlatformTimeout: cfg.PlatformTimeout,
		MuteOnJoin:      cfg.MuteOnJoin,
		ExpiryWindow:    cfg.RequestTimeout,
	})
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}

	api := httpapi.New(cfg, svc, hub, metrics)
	bot := discord.NewBot(dg, svc, discord.BotConfig{
		GuildIDs:       cfg.DiscordGuildIDs,
		Policy:         policy.NewSupporterPolicy(cfg.SupportRoleName),
		HandlerTimeout: cfg.PlatformTimeout + 5*time.Second,
		Logger:         log,
		OnReady:        func() { api.SetReady(true) },
	})

	cleanup := func() error {
		registry.Stop()
		sessions.Close()
		var errs []error
		if err := historyStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		Logger:   log,
		API:      api,
		Sessions: sessions,
		Support:  svc,
		Bot:      bot,
		Discord:  dg,
		Events:   hub,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
