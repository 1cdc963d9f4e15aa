package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/crossvm/config"
)

type cli struct {
	configPath string
	logLevel   string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "crossvm-relay",
		Short:         "Relay transactions between an EVM chain and a Move chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "overrides log.level")
	root.PersistentFlags().BoolVar(&c.pretty, "pretty", false, "human readable logs, same as log.pretty")

	root.AddCommand(
		newRunCmd(c),
		newNonceCmd(c),
		newTranscodeCmd(),
		newVoteStateCmd(c),
	)
	return root
}

// load reads the configuration and sets up the global logger from it.
func (c *cli) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid log level %q", cfg.Log.Level)
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty || c.pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return cfg, nil
}
