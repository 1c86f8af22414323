package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/config"
	"github.com/pricepulse/pricepulse/internal/api"
	"github.com/pricepulse/pricepulse/internal/archiver"
	"github.com/pricepulse/pricepulse/internal/evaluator"
	"github.com/pricepulse/pricepulse/internal/metrics"
	"github.com/pricepulse/pricepulse/internal/notify"
	"github.com/pricepulse/pricepulse/internal/oracle"
	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/internal/scanner"
	"github.com/pricepulse/pricepulse/internal/scheduler"
	"github.com/pricepulse/pricepulse/internal/scoring"
	"github.com/pricepulse/pricepulse/internal/slots"
	"github.com/pricepulse/pricepulse/internal/store"
)

func main() {
	cfg := config.Load()

	lvl, _ := zerolog.ParseLevel(cfg.LogLevel)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	loc, err := time.LoadLocation(cfg.ReferenceTZ)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.ReferenceTZ).Msg("invalid reference timezone")
	}

	st, err := store.Open(store.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database failed")
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("connecting to redis failed")
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Scoring defaults: builtin table, optionally replaced per deployment.
	defaults := scoring.BuiltinDefaults()
	if cfg.ScoringConfigPath != "" {
		defaults, err = scoring.LoadDefaults(cfg.ScoringConfigPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.ScoringConfigPath).Msg("loading scoring config failed")
		}
	}

	calc := slots.New(st, loc, time.Duration(cfg.LockWindowMin)*time.Minute)
	policy := scoring.New(st, defaults)

	feed := oracle.NewClient(oracle.ClientOptions{
		APIKey:         cfg.PriceAPIKey,
		BaseURL:        cfg.PriceAPIBaseURL,
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
	})
	prices := oracle.New(st, feed, time.Duration(cfg.ToleranceMin)*time.Minute)

	var notifier notify.Notifier
	if cfg.TelegramToken != "" {
		notifier, err = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("initializing telegram notifier failed")
		}
	} else {
		notifier = notify.NewLog()
	}

	evalQ := queue.New(rdb, "eval")
	maintQ := queue.New(rdb, "maint")

	eval := evaluator.New(st, prices, policy, notifier, m, evaluator.Options{
		PriceRetryDelay: time.Duration(cfg.PriceRetrySec) * time.Second,
		RetryBaseDelay:  time.Duration(cfg.RetryBaseSec) * time.Second,
		RetryMaxDelay:   time.Duration(cfg.RetryMaxMin) * time.Minute,
		MaxAttempts:     cfg.MaxAttempts,
	})
	sweep := scanner.New(st, evalQ, m)
	arch := archiver.New(st, notifier, loc, cfg.LeaderboardSize, cfg.BadgeCount, m)
	sched := scheduler.New(st, maintQ, time.Duration(cfg.SweepIntervalMin)*time.Minute, loc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Evaluation workers: bounded concurrency, one job per prediction.
	wg.Add(1)
	go func() {
		defer wg.Done()
		evalQ.Run(ctx, cfg.EvalWorkers, eval.Handler())
	}()

	// Maintenance queue: concurrency 1, so sweeps and archives never
	// overlap themselves.
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintQ.Run(ctx, 1, func(ctx context.Context, job queue.Job) error {
			switch job.Type {
			case queue.TypeSweep:
				_, err := sweep.Sweep(ctx, time.Now())
				return err
			case queue.TypeArchive:
				return arch.ArchiveMonth(ctx, job.Month)
			default:
				return fmt.Errorf("unexpected job %q on maintenance queue", job.Type)
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	server := api.NewServer(st, calc, evalQ, maintQ, registry)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	// Let in-flight jobs finish; anything still queued is picked up on the
	// next start.
	cancel()
	wg.Wait()
	log.Info().Msg("stopped")
}
