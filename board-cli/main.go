package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aryabyte21/taskboard/client/taskapi"
)

var Version = "dev"

// app is shared by every subcommand once the root pre-run has loaded config.
type app struct {
	cfg    cliConfig
	client *taskapi.Client
	logger *log.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath, server, token string

	rootCmd := &cobra.Command{
		Use:           "taskboard",
		Short:         "Task board client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Server = server
			}
			if cmd.Flags().Changed("token") {
				cfg.Token = token
			}
			a.cfg = cfg

			a.logger = log.New()
			a.logger.SetOutput(cmd.ErrOrStderr())
			if cfg.Debug {
				a.logger.SetLevel(log.DebugLevel)
			}
			a.client = taskapi.New(cfg.Server, cfg.Token)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/taskboard/config.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "Board API address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token")

	rootCmd.AddCommand(boardCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(showCmd(a))
	rootCmd.AddCommand(addCmd(a))
	rootCmd.AddCommand(editCmd(a))
	rootCmd.AddCommand(moveCmd(a))
	rootCmd.AddCommand(rmCmd(a))
	rootCmd.AddCommand(watchCmd(a))
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}
