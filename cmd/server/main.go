package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/logging"
	"github.com/harborchat/harbor/internal/ratelimit"
	"github.com/harborchat/harbor/internal/server"
)

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(cfg.Log)
	logger := logging.L()
	logger.Info().Int("port", cfg.Port).Msg("starting harbor")

	limiter, err := buildLimiter(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize rate limiter")
	}
	defer limiter.Close()

	srv := server.New(cfg, logger, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if sw, ok := limiter.(*ratelimit.SlidingWindow); ok {
		g.Go(func() error {
			sw.Sweep(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("harbor stopped")
}

// buildLimiter picks the Redis-backed limiter when an address is configured,
// falling back to the in-memory sliding window otherwise.
func buildLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.Redis.Address != "" {
		return ratelimit.NewRedisSlidingWindow(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.RateLimit.MaxEvents,
			cfg.RateLimit.Window,
			logging.L(),
		)
	}
	return ratelimit.NewSlidingWindow(cfg.RateLimit.MaxEvents, cfg.RateLimit.Window, logging.L()), nil
}
