package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/api"
	"github.com/ahrdadan/formfuzz/internal/config"
	"github.com/ahrdadan/formfuzz/internal/queue"
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run queue over HTTP",
		Long: `Starts (or connects to) NATS JetStream, a single run worker and the HTTP API.
Runs are submitted with POST /formfuzz/runs and executed one at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), c)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "", "listen host (SERVER_HOST)")
	flags.IntP("port", "p", 0, "listen port (SERVER_PORT)")
	flags.String("nats-url", "", "NATS URL (NATS_URL)")
	flags.String("results-dir", "", "root for per-run screenshot directories (RESULTS_DIR)")
	c.bind(flags, map[string]string{
		"host":        config.KeyServerHost,
		"port":        config.KeyServerPort,
		"nats-url":    config.KeyNATSURL,
		"results-dir": config.KeyResultsDir,
	})

	return cmd
}

func serve(ctx context.Context, c *cli) error {
	cfg, logger := c.cfg, c.logger
	if err := cfg.ValidateLLM(); err != nil {
		return err
	}

	logger.Info("Starting formfuzz server", zap.String("version", config.Version))

	natsSrv, err := startNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := natsSrv.Stop(); err != nil {
			logger.Warn("Failed to stop NATS", zap.Error(err))
		}
	}()

	rt, err := buildServices(ctx, cfg, natsSrv, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	notifier := queue.NewNotifier(nil, cfg.Server.BaseURL, logger)
	queueManager, err := queue.NewManager(natsSrv.GetJetStream(), notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	if err := queueManager.Start(queue.NewPipelineProcessor(rt.runner, cfg.ResultsDir)); err != nil {
		queueManager.Stop()
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	defer queueManager.Stop()

	app := fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          api.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(api.RequestLogger(logger))
	app.Use(cors.New())

	routes := api.SetupRoutes(app, rt.browser, queueManager, api.RouteConfig{
		RateLimitRequests: cfg.Server.RateLimit,
		RateLimitWindow:   cfg.Server.RateWindow,
		IdempotencyTTL:    cfg.Server.IdempotencyTTL,
		BaseURL:           cfg.Server.BaseURL,
		ResultTTL:         cfg.Server.ResultTTL,
		MaxRunTimeout:     cfg.Server.MaxRunTimeout,
		AllowedIPs:        cfg.Server.AllowedIPs,
	}, logger)
	defer routes.Close()

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	logger.Info("Listening",
		zap.String("addr", addr),
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("nats", cfg.NATS.URL),
	)

	if err := app.Listen(addr); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}
