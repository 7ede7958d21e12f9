package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ask-dora/internal/app"
	"ask-dora/internal/config"
)

type rootOptions struct {
	verbose bool
	config  string
}

// wireFunc builds the application for a command.
type wireFunc func(cmd *cobra.Command, opts *rootOptions) (*app.App, error)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(wireLocal)
}

func newRootCmdWith(wire wireFunc) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "doractl",
		Short:         "doractl: talk to Dora and manage her local state",
		Long:          "doractl drives the Ask Dora pipeline from a terminal. It defaults to a local SQLite store and an audio directory, and honours the same environment variables as the Lambda.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline activity to stderr")
	rootCmd.PersistentFlags().StringVar(&opts.config, "config", "", "TOML config file (overrides DORA_CONFIG)")

	rootCmd.AddCommand(
		newAskCmd(opts, wire),
		newWarmCmd(opts, wire),
		newHistoryCmd(opts, wire),
	)
	return rootCmd
}

// wireLocal loads configuration with local defaults: SQLite, an audio
// directory, and tokens from the environment.
func wireLocal(cmd *cobra.Command, opts *rootOptions) (*app.App, error) {
	v := config.NewViper()
	v.SetDefault("store.driver", config.StoreSQLite)
	v.SetDefault("blob.driver", config.BlobDir)
	v.SetDefault("param.source", config.ParamSourceEnv)
	if opts.config != "" {
		v.Set("dora.config", opts.config)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}
	return app.Build(cmd.Context(), cfg, logger)
}
