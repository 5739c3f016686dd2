package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/config"
	"github.com/ahrdadan/formfuzz/internal/pipeline"
)

func newRunCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract the first form on a page, generate values and submit each set",
		Long: `Loads TARGET_URL, extracts the fields of its first form, asks the configured
model for COUNT sets of values (answers are cached by prompt) and replays each
set as a form submission, saving one screenshot per submission.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, c)
		},
	}

	flags := cmd.Flags()
	flags.StringP("url", "u", "", "page holding the form (TARGET_URL)")
	flags.IntP("count", "n", 0, "number of value sets to request (COUNT)")
	flags.StringP("results-dir", "o", "", "screenshot directory (RESULTS_DIR)")
	flags.String("policy", "", "fail-fast or best-effort (FAILURE_POLICY)")
	flags.String("template", "", "prompt template file (PROMPT_TEMPLATE)")
	flags.String("provider", "", "LLM provider id (LLM_PROVIDER)")
	flags.String("model", "", "model override (LLM_MODEL)")
	flags.String("cache-backend", "", "dir or nats (CACHE_BACKEND)")
	flags.String("cache-dir", "", "cache directory (CACHE_DIR)")
	flags.String("isolation", "", "process or context (BROWSER_ISOLATION)")
	flags.Bool("headless", true, "run Chrome headless (BROWSER_HEADLESS)")
	c.bind(flags, map[string]string{
		"url":           config.KeyTargetURL,
		"count":         config.KeyCount,
		"results-dir":   config.KeyResultsDir,
		"policy":        config.KeyFailurePolicy,
		"template":      config.KeyPromptTemplate,
		"provider":      config.KeyLLMProvider,
		"model":         config.KeyLLMModel,
		"cache-backend": config.KeyCacheBackend,
		"cache-dir":     config.KeyCacheDir,
		"isolation":     config.KeyBrowserIsolation,
		"headless":      config.KeyBrowserHeadless,
	})

	return cmd
}

func runOnce(cmd *cobra.Command, c *cli) error {
	cfg, logger := c.cfg, c.logger
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := buildServices(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting run",
		zap.String("url", cfg.TargetURL),
		zap.Int("count", cfg.Count),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("results_dir", cfg.ResultsDir),
	)

	report, err := rt.runner.Run(ctx, pipeline.Request{
		TargetURL:  cfg.TargetURL,
		Count:      cfg.Count,
		ResultsDir: cfg.ResultsDir,
	}, func(stage string) {
		logger.Debug("Entering stage", zap.String("stage", stage))
	})
	if report != nil {
		logReport(logger, report)
	}
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		return err
	}
	return nil
}
