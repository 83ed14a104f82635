package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/microsignal/internal/buffer"
	"github.com/sawpanic/microsignal/internal/bus"
	"github.com/sawpanic/microsignal/internal/config"
	"github.com/sawpanic/microsignal/internal/data/cache"
	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/ingest"
	apihttp "github.com/sawpanic/microsignal/internal/interfaces/http"
	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/signals"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, aggregation and the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// guardedStore sends buffer writes through the shared circuit breaker for Redis
type guardedStore struct {
	store    signals.Store
	breakers *circuit.Manager
}

func (g guardedStore) Store(ctx context.Context, agg *signals.MarketSignalAggregate) error {
	return g.breakers.Call(ctx, "redis", func(ctx context.Context) error {
		return g.store.Store(ctx, agg)
	})
}

type publisher interface {
	signals.Publisher
	Close() error
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := metrics.NewRegistry()
	breakers := circuit.NewManager(cfg.Circuit, logger)

	queryCache, closeCache := cache.NewAuto(ctx, cfg.Cache.RedisAddr, cfg.Cache.Prefix, logger)
	defer closeCache()
	eng, err := engine.New(cfg.Engine, queryCache, reg, logger)
	if err != nil {
		return err
	}

	var store buffer.SortedSet
	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rs, err := buffer.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Signal buffer on Redis")
	} else {
		store = buffer.NewMemoryStore()
		logger.Warn().Msg("REDIS_ADDR not set, signal buffer kept in memory")
	}
	signalBuffer := buffer.New(store, cfg.Buffer, logger)

	var pub publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := bus.NewKafkaPublisher(cfg.Kafka, breakers.Breaker("kafka"), reg, logger)
		if err != nil {
			return err
		}
		pub = kp
	} else {
		pub = bus.NewLogPublisher(cfg.Kafka, reg, logger)
		logger.Warn().Msg("KAFKA_BROKERS not set, aggregates are logged instead of published")
	}
	defer pub.Close()

	aggregator, err := signals.NewAggregator(cfg.Aggregator, eng.Sources(), eng, eng,
		guardedStore{store: signalBuffer, breakers: breakers}, pub, reg, logger)
	if err != nil {
		return err
	}

	dispatcher := ingest.NewDispatcher(eng, cfg.Ingest.LaneSize, reg, logger)
	feedDone := make(chan error, 1)
	if cfg.Feed.URL != "" {
		feed, err := ingest.NewFeed(cfg.Feed, dispatcher, nil, reg, logger)
		if err != nil {
			return err
		}
		go func() { feedDone <- feed.Run(ctx) }()
	} else {
		logger.Warn().Msg("FEED_URL not set, no live ingestion")
		close(feedDone)
	}

	server := apihttp.NewServer(cfg.HTTP, apihttp.Deps{
		Engine:   eng,
		Signals:  signalBuffer,
		Latest:   aggregator,
		Breakers: breakers,
		Metrics:  reg,
		Version:  version,
	}, logger)
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start() }()

	aggregator.Start()
	logger.Info().Str("version", version).Str("http", server.Address()).Msg("microsignal running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	aggregator.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	select {
	case err := <-feedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Feed stopped with error")
		}
	case <-shutdownCtx.Done():
	}
	dispatcher.Close()

	logger.Info().Msg("microsignal stopped")
	return runErr
}
