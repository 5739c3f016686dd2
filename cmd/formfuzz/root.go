package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/config"
	"github.com/ahrdadan/formfuzz/internal/logging"
)

// cli carries what PersistentPreRunE prepares for the subcommands.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.NewViper(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Fill web forms with LLM-generated values and record each submission",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync(c.logger)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./formfuzz.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	flags.String("log-file", "", "also write JSON logs to this rotated file")
	c.bind(flags, map[string]string{
		"log-level":  config.KeyLogLevel,
		"log-format": config.KeyLogFormat,
		"log-file":   config.KeyLogFile,
	})

	root.AddCommand(
		newRunCommand(c),
		newServeCommand(c),
		newFixtureCommand(c),
		newBrowserCommand(c),
		newVersionCommand(),
	)
	return root
}

const viperKeyAnnotation = "formfuzz/viper-key"

// bind records which viper key each flag feeds. The binding itself happens
// in setup, for the executing command only, since several subcommands
// share keys.
func (c *cli) bind(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := flags.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// bindFlags binds the annotated flags of cmd. Unchanged flags never shadow
// the environment or the config file.
func (c *cli) bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || err != nil {
			return
		}
		err = c.v.BindPFlag(keys[0], f)
	})
	return err
}

func (c *cli) setup(cmd *cobra.Command) error {
	if err := c.bindFlags(cmd); err != nil {
		return err
	}
	if err := config.ReadFile(c.v, c.cfgFile); err != nil {
		return err
	}

	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger
	if used := c.v.ConfigFileUsed(); used != "" {
		logger.Debug("Loaded config file", zap.String("path", used))
	}
	return nil
}
