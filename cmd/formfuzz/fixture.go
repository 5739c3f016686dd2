package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/config"
	"github.com/ahrdadan/formfuzz/internal/fixture"
)

func newFixtureCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Serve a sample contact form to run against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveFixture(cmd.Context(), c.cfg.FixturePort, c.logger)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "listen port (FIXTURE_PORT)")
	c.bind(cmd.Flags(), map[string]string{"port": config.KeyFixturePort})

	return cmd
}

func serveFixture(ctx context.Context, port int, logger *zap.Logger) error {
	app := fixture.New(logger).App()

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Fixture form listening", zap.String("url", fmt.Sprintf("http://localhost:%d/", port)))
	return app.Listen(addr)
}
