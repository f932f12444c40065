package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay-gateway/config"
	"relay-gateway/lifecycle"
	"relay-gateway/middleware/ratelimit"
	"relay-gateway/middleware/ratelimit/application"
	"relay-gateway/middleware/ratelimit/domain"
	"relay-gateway/middleware/ratelimit/infra"
	"relay-gateway/relay"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v, config.Config.RequireRelay)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// admission reúne as peças do limite por chat montadas a partir dos recursos.
type admission struct {
	limiter application.Service
	monitor *application.HealthMonitor
	stats   domain.StatsStore
}

func buildAdmission(cfg config.Config, res *lifecycle.Resources, logger log.FieldLogger) admission {
	healthOpts := []application.HealthOption{
		application.WithFailureThreshold(cfg.FailureThreshold),
		application.WithCooldown(cfg.Cooldown),
		application.WithHealthLogger(logger),
	}

	var remote domain.CounterSource
	if res.Redis != nil {
		remote = infra.NewRemoteCounter(res.Redis,
			infra.WithKeyPrefix(cfg.RedisPrefix),
			infra.WithCallTimeout(cfg.BackendTimeout),
		)
	} else {
		healthOpts = append(healthOpts, application.WithFallbackOnly())
	}
	monitor := application.NewHealthMonitor(healthOpts...)

	var stats domain.StatsStore
	if cfg.StatsEnabled {
		if res.Redis != nil {
			// sem Redis saudável as estatísticas ficam de fora: não somam latência ao webhook
			stats = infra.NewRedisStatsStore(res.Redis,
				infra.WithStatsPrefix(cfg.StatsPrefix),
				infra.WithStatsTTL(cfg.StatsTTL),
				infra.WithStatsGate(monitor.Healthy),
			)
		} else {
			stats = infra.NewMemoryStatsStore()
		}
	}

	return admission{
		limiter: application.Service{
			Remote: remote,
			Local:  res.Local,
			Health: monitor,
			Limit:  cfg.Limit,
			Window: cfg.Window,
			Logger: logger,
		},
		monitor: monitor,
		stats:   stats,
	}
}

// buildCommands devolve nil com LEDGER_ENABLED=false: tudo segue para a IA.
func buildCommands(ctx context.Context, cfg config.Config, res *lifecycle.Resources, bot relay.Bot, logger log.FieldLogger) (*relay.Commands, error) {
	if !cfg.LedgerEnabled {
		return nil, nil
	}
	ledger := relay.NewLedgerStore(res.DB, cfg.Currency)
	if err := ledger.Migrate(ctx); err != nil {
		return nil, err
	}
	return &relay.Commands{
		Ledger:    ledger,
		Bot:       bot,
		ExportDir: cfg.ExportDir,
		Logger:    logger,
	}, nil
}

func serve(ctx context.Context, cfg config.Config, logger log.FieldLogger) error {
	mgr, res, err := lifecycle.AcquireAll(ctx, cfg, logger)
	if err != nil {
		return err
	}

	history := relay.NewHistoryStore(res.DB, cfg.HistorySize)
	if err := history.Migrate(ctx); err != nil {
		_ = mgr.ReleaseAll(0)
		return err
	}

	tg := relay.NewTelegramClient(res.HTTP, cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramRPS, logger)
	commands, err := buildCommands(ctx, cfg, res, tg, logger)
	if err != nil {
		_ = mgr.ReleaseAll(0)
		return err
	}

	adm := buildAdmission(cfg, res, logger)

	router := relay.NewRouter(relay.RouterOptions{
		Webhook: &relay.Handler{
			History:      history,
			AI:           relay.NewAIClient(res.HTTP, cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel),
			Telegram:     tg,
			SystemPrompt: cfg.AISystemPrompt,
			AITimeout:    cfg.AITimeout,
			Commands:     commands,
			Logger:       logger,
		},
		Health: relay.HealthHandler(adm.monitor),
		Track:  mgr.Track,
		Admission: ratelimit.Middleware(ratelimit.Options{
			Limiter:             adm.limiter,
			Stats:               adm.stats,
			KeyFn:               relay.ChatKey,
			AddRateLimitHeaders: cfg.AddHeaders,
			Limit:               cfg.Limit,
			Logger:              logger,
		}),
		Concurrency: ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Max:            cfg.ConcurrencyMax,
			AcquireTimeout: cfg.ConcurrencyTimeout,
			Logger:         logger,
		}),
		Logger: logger,
	})

	// o webhook espera a IA: a escrita precisa caber no AI_TIMEOUT
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.AITimeout + 30*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.WithFields(log.Fields{
		"addr":          cfg.ListenAddr,
		"limit":         cfg.Limit,
		"window":        cfg.Window.String(),
		"fallback_only": cfg.FallbackOnly(),
		"stats":         cfg.StatsEnabled,
		"concurrency":   cfg.ConcurrencyMax,
	}).Info("gateway listening")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case serveErr = <-errCh:
	}

	deadline := time.Now().Add(cfg.DrainTimeout)
	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not finish before drain timeout")
	}
	if err := mgr.ReleaseAll(time.Until(deadline)); err != nil {
		logger.WithError(err).Error("resources released with errors")
	}
	logger.Info("gateway stopped")
	return serveErr
}
