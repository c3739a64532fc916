package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/watermark-relay/internal/auth"
	"github.com/fpang/watermark-relay/internal/boot"
	"github.com/fpang/watermark-relay/internal/bot"
	"github.com/fpang/watermark-relay/internal/health"
	"github.com/fpang/watermark-relay/internal/ingest"
	"github.com/fpang/watermark-relay/internal/logging"
	"github.com/fpang/watermark-relay/internal/metrics"
	"github.com/fpang/watermark-relay/internal/publish"
	"github.com/fpang/watermark-relay/internal/settings"
	"github.com/fpang/watermark-relay/internal/staging"
	"github.com/fpang/watermark-relay/internal/telegram"
	"github.com/fpang/watermark-relay/internal/watermark"
	"github.com/fpang/watermark-relay/internal/webhook"
)

// drainTimeout bounds how long shutdown waits for in-flight photos.
const drainTimeout = 45 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	metrics.EnableEMF(cfg.EMFMetrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var awsClients *boot.AWSClients
	if boot.NeedsAWS(cfg) {
		clients, err := boot.InitAWS(ctx)
		if err != nil {
			if cfg.BotToken == "" {
				return err
			}
			log.Warn().Err(err).Msg("AWS unavailable, continuing without archive")
		} else {
			awsClients = &clients
		}
	}

	token, err := boot.LoadBotToken(ctx, cfg, awsClients)
	if err != nil {
		return err
	}
	tg := telegram.NewClient(token, cfg.TelegramAPIURL)
	me, err := auth.ValidateToken(ctx, tg)
	if err != nil {
		return err
	}

	collectors := metrics.NewCollectors()
	queue := staging.New()
	queue.OnChange(collectors.SetStaged)
	queueCtx, closeQueue := context.WithCancel(context.Background())
	defer closeQueue()
	go queue.Run(queueCtx)

	st := settings.New(cfg.DefaultRatio)
	counters := &settings.Counters{}

	renderer := watermark.NewClient(watermark.Options{
		Endpoint:   cfg.RenderURL,
		OverlayURL: cfg.OverlayURL,
		Position:   cfg.Position,
		Timeout:    cfg.RenderTimeout,
		Metrics:    collectors,
	})
	ingester := ingest.NewHandler(ingest.Options{
		Resolver:    tg,
		Renderer:    renderer,
		Settings:    st,
		Counters:    counters,
		Stager:      queue,
		Ack:         tg,
		Metrics:     collectors,
		Concurrency: cfg.GroupConcurrency,
	})

	var archiver publish.Archiver
	if a := boot.InitArchive(cfg, awsClients); a != nil {
		archiver = a
	}
	dispatcher := publish.NewDispatcher(publish.Options{
		Store:    queue,
		Channels: st,
		Sender:   tg,
		Archiver: archiver,
		Metrics:  collectors,
		Interval: cfg.PublishInterval,
	})

	b := bot.New(bot.Options{
		API:             tg,
		Ingester:        ingester,
		Publisher:       dispatcher,
		Settings:        st,
		Counters:        counters,
		Staged:          queue,
		GroupFlushDelay: cfg.GroupFlushDelay,
	})

	var (
		hook     http.Handler
		hookURL  string
		hookPath string
	)
	if cfg.WebhookMode() {
		hookURL, hookPath, err = webhookRoute(cfg.WebhookURL)
		if err != nil {
			return err
		}
		hook = webhook.NewHandler(cfg.WebhookSecret, b)
	}
	server := health.NewServer(health.Options{
		Port:        cfg.Port,
		Metrics:     collectors,
		Webhook:     hook,
		WebhookPath: hookPath,
	})

	startup := boot.StartupLog("watermark-relay", initStart).
		Version(version()).
		Resource("bot", "@"+me.Username).
		Resource("renderer", cfg.RenderURL).
		Resource("overlay", cfg.OverlayURL).
		Feature("webhook", cfg.WebhookMode()).
		Feature("archive", archiver != nil).
		Feature("emf", cfg.EMFMetrics).
		Config("port", fmt.Sprint(cfg.Port)).
		Config("defaultRatio", fmt.Sprint(cfg.DefaultRatio)).
		Config("position", cfg.Position).
		Config("publishInterval", cfg.PublishInterval.String())
	if cfg.BotToken == "" {
		startup.Resource("tokenParam", cfg.BotTokenSSMParam)
	}
	if cfg.ArchiveBucket != "" {
		startup.Resource("archiveBucket", cfg.ArchiveBucket)
	}
	startup.Log()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if cfg.WebhookMode() {
		if err := tg.SetWebhook(ctx, hookURL, cfg.WebhookSecret); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("register webhook: %w", err)
		}
		log.Info().Str("path", hookPath).Msg("Webhook registered")
	} else {
		g.Go(func() error { return bot.NewPoller(tg, b).Run(gctx) })
	}

	runErr := g.Wait()
	log.Info().Msg("Draining in-flight updates...")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := b.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not finish draining")
	}
	if n, err := queue.Size(); err == nil && n > 0 {
		log.Warn().Int("staged", n).Msg("Exiting with unpublished staged images")
	}
	return runErr
}

// webhookRoute returns the URL to register with Telegram and the local path
// to serve it on. A URL without a path gets health.DefaultWebhookPath.
func webhookRoute(raw string) (registerURL, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse TELEGRAM_WEBHOOK_URL: %w", err)
	}
	if u.Scheme != "https" {
		return "", "", errors.New("TELEGRAM_WEBHOOK_URL must use https")
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = health.DefaultWebhookPath
	}
	return u.String(), u.Path, nil
}
