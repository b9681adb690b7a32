package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairbot/internal/api"
	"pairbot/internal/config"
	"pairbot/internal/database"
	"pairbot/internal/discord"
	"pairbot/internal/domain"
	"pairbot/internal/events"
	"pairbot/internal/logging"
	"pairbot/internal/metrics"
	"pairbot/internal/notify"
	"pairbot/internal/rating"
	"pairbot/internal/reconcile"
	"pairbot/internal/repository"
	"pairbot/internal/scheduler"
	"pairbot/internal/service"
	"pairbot/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", envOr("CONFIG_PATH", "configs/config.yaml"), "path to config file (yaml or toml)")
	once := flag.Bool("once", false, "run every rule once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "reconciler-main").Logger()

	metrics.Register()

	db, err := database.NewDB(cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, dedup := initDedup(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	platform := discord.NewClient(cfg.Discord, &logger)
	go func() {
		if err := platform.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Discord connection failed")
		}
	}()

	notifier, err := initNotifier(cfg, platform, &logger)
	if err != nil {
		return err
	}

	earnings := worker.NewEarningsWorker(cfg.Earnings, &logger)
	go earnings.Start(ctx)

	eventBus := events.NewEventBus()
	aggregator := rating.NewAggregator(db, notifier, eventBus, cfg.Rating, &logger)
	defer aggregator.Stop()
	subscribeBookingEvents(eventBus, earnings, aggregator, &logger)

	engine := reconcile.NewEngine(reconcile.Deps{
		Store:    db,
		Platform: platform,
		Dedup:    dedup,
		Events:   eventBus,
		Ratings:  aggregator,
		Logger:   &logger,
	}, cfg.Reconcile, cfg.Rating)
	defer engine.Stop()

	gate := scheduler.NewHealthGate(db, worker.RetryPolicy{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}, &logger)
	sched := scheduler.New(
		scheduler.Jobs(engine.Rules(), cfg.Schedule),
		platform, gate, cfg.Reconcile.Location(), cfg.Schedule.HealthProbe, &logger,
	)

	if *once {
		return runOnce(ctx, sched, &logger)
	}

	if cfg.API.Enabled {
		verifier, err := discord.NewVerifier(cfg.Discord.PublicKey)
		if err != nil {
			return err
		}
		interactions := service.NewInteractionService(
			db, platform, aggregator, engine.Locks(),
			cfg.Reconcile.ExtensionIncrement, cfg.Reconcile.Location(), &logger,
		)
		apiServer := api.NewServer(cfg.API, api.Deps{
			Interactions: interactions,
			Verifier:     verifier,
			Store:        db,
			Scheduler:    sched,
		}, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Msg("Reconciler started")
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler, logger *zerolog.Logger) error {
	readyCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := sched.WaitReady(readyCtx); err != nil {
		logger.Error().Err(err).Msg("Discord not ready")
		return err
	}
	sched.RunOnce(ctx)
	for _, st := range sched.Stats() {
		logger.Info().
			Str("rule", st.Rule).
			Int("applied", st.Applied).
			Int("failed", st.Failed).
			Int("invariant", st.Invariant).
			Str("error", st.LastError).
			Msg("Rule pass")
	}
	return nil
}

func initDedup(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.DedupTracker) {
	fallback := repository.NewMemoryDedupTracker(cfg.Reconcile.DedupTTL)
	if cfg.Redis.Address == "" {
		logger.Info().Msg("Redis not configured, dedup tracker is in-memory")
		return nil, fallback
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if errPing := repository.Ping(ctx, redisClient); errPing != nil {
		logger.Warn().Err(errPing).Msg("Redis unavailable")
	}
	primary := repository.NewRedisDedupTracker(redisClient, cfg.Redis.KeyPrefix, cfg.Reconcile.DedupTTL)
	return redisClient, repository.NewFailoverDedupTracker(primary, fallback, logger)
}

func initNotifier(cfg *config.Config, platform *discord.Client, logger *zerolog.Logger) (domain.Notifier, error) {
	var targets []domain.Notifier

	if cfg.Telegram.BotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create BotAPI")
			return nil, err
		}
		targets = append(targets, notify.NewTelegramNotifier(botAPI, cfg.Telegram.AdminChatID))
	}
	if cfg.Discord.AdminChannelID != "" {
		targets = append(targets, notify.NewChannelNotifier(platform, cfg.Discord.AdminChannelID))
	}

	return notify.NewMulti(logger, targets...), nil
}

type ratingOpener interface {
	Open(bookingID string)
}

// subscribeBookingEvents hands completed bookings to the earnings worker and
// opens the rating window after a regular teardown.
func subscribeBookingEvents(bus *events.EventBus, earnings domain.EarningsDispatcher, ratings ratingOpener, logger *zerolog.Logger) {
	bus.Subscribe(events.EventBookingCompleted, func(ev *events.Event) error {
		var payload events.BookingCompletedPayload
		if err := ev.Decode(&payload); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}

		earnings.Dispatch(payload.BookingID)
		if payload.OpenRatingWindow {
			ratings.Open(payload.BookingID)
		}
		return nil
	})

	bus.Subscribe(events.EventRatingFlushed, func(ev *events.Event) error {
		var payload events.RatingFlushedPayload
		if err := ev.Decode(&payload); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}
		logger.Info().
			Str("booking_id", payload.BookingID).
			Str("trigger", payload.Trigger).
			Int("ratings", payload.Ratings).
			Msg("Rating report delivered")
		return nil
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
