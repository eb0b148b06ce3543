package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yaron8/sysmon-collector/collector/aggregation"
	"github.com/yaron8/sysmon-collector/collector/config"
	"github.com/yaron8/sysmon-collector/collector/dao"
	"github.com/yaron8/sysmon-collector/collector/service"
	"github.com/yaron8/sysmon-collector/collector/store"
	"github.com/yaron8/sysmon-collector/collector/subscriber"
	"github.com/yaron8/sysmon-collector/logi"
)

const shutdownTimeout = 10 * time.Second

type Bootstrap struct {
	config     *config.Config
	aggregator *aggregation.Service
	apiServer  *service.APIServer
	dao        *dao.DAOMetrics
	subscriber *subscriber.Subscriber
	logger     zerolog.Logger
}

func NewBootstrap() (*Bootstrap, error) {
	// Load configuration
	cfg := config.NewConfig()

	logger, err := logi.NewLog(&logi.Config{
		Level:       cfg.Log.Level,
		LogDir:      cfg.Log.Dir,
		LogFileName: "collector.log",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	st := store.NewStore(cfg.Store.HistorySize)
	aggregator := aggregation.NewService(st, aggregation.Config{
		StaleAfter:      cfg.Aggregation.StaleAfter,
		MaxPayloadBytes: cfg.Aggregation.MaxPayloadBytes,
		ClampEpsilon:    aggregation.DefaultConfig().ClampEpsilon,
	})

	b := &Bootstrap{
		config:     cfg,
		aggregator: aggregator,
		logger:     logger.With().Str("component", "bootstrap").Logger(),
	}

	// Keep the interfaces nil unless a mirror is configured
	var apiMirror service.Mirror
	var subMirror subscriber.Mirror

	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: "", // no password set
			DB:       0,  // use default DB
			Protocol: 2,
		})
		b.dao = dao.NewDAOMetrics(redisClient, cfg.Redis.TTL)
		apiMirror = b.dao
		subMirror = b.dao
	}

	if cfg.MQTT.Enabled() {
		b.subscriber, err = subscriber.Connect(cfg.MQTT, aggregator, subMirror)
		if err != nil {
			return nil, err
		}
	}

	b.apiServer = service.NewAPIServer(cfg, aggregator, apiMirror)

	return b, nil
}

// Start runs the collector until SIGINT or SIGTERM.
func (b *Bootstrap) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return b.Run(ctx)
}

// Run serves HTTP, and MQTT when configured, until ctx is done or one of
// them fails, then shuts everything down.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.dao != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := b.dao.Ping(pingCtx); err != nil {
			// The mirror is best effort; the collector still serves from memory
			b.logger.Warn().Err(err).Msg("Redis mirror unreachable at startup")
		}
		cancel()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.apiServer.Start()
	})

	if b.subscriber != nil {
		g.Go(func() error {
			return b.subscriber.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		b.logger.Info().Msg("Shutting down collector")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := b.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down API server: %w", err))
		}
		if b.dao != nil {
			if err := b.dao.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
