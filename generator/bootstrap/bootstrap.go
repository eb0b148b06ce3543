package bootstrap

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yaron8/sysmon-collector/generator/config"
	"github.com/yaron8/sysmon-collector/generator/metrics"
	"github.com/yaron8/sysmon-collector/generator/pusher"
	"github.com/yaron8/sysmon-collector/generator/service"
	"github.com/yaron8/sysmon-collector/logi"
)

type Bootstrap struct {
	config    *config.Config
	fleet     *metrics.Fleet
	pusher    *pusher.Pusher
	apiServer *service.APIServer
	logger    zerolog.Logger
}

func NewBootstrap() (*Bootstrap, error) {
	cfg := config.NewConfig()

	logger, err := logi.NewLog(&logi.Config{Level: cfg.LogLevel, LogFileName: "generator.log"})
	if err != nil {
		return nil, err
	}

	fleet := metrics.NewFleet(cfg.Devices, cfg.Seed)

	return &Bootstrap{
		config:    cfg,
		fleet:     fleet,
		pusher:    pusher.NewPusher(nil, cfg.CollectorURL, cfg.APIKey, cfg.Concurrency),
		apiServer: service.NewAPIServer(cfg, fleet),
		logger:    logger.With().Str("component", "generator").Logger(),
	}, nil
}

// Start runs the generator until SIGINT or SIGTERM.
func (b *Bootstrap) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(b.apiServer.Start)

	g.Go(func() error {
		return b.pushLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.apiServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (b *Bootstrap) pushLoop(ctx context.Context) error {
	b.logger.Info().
		Int("devices", b.fleet.Size()).
		Dur("interval", b.config.Interval).
		Str("collector_url", b.config.CollectorURL).
		Msg("Pushing simulated fleet")

	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		res, err := b.pusher.PushAll(ctx, b.fleet.Tick(time.Now()))
		if err != nil {
			// only a cancelled context gets here
			return nil
		}
		b.logger.Debug().Int("accepted", res.Accepted).Int("rejected", res.Rejected).Msg("Fleet pushed")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
