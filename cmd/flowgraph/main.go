package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/blingmoon/flowgraph/internal/config"
	"github.com/blingmoon/flowgraph/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "flowgraph",
		Usage:                 "Run graph workflows backed by a durable file queue",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the yaml config file",
				Sources: cli.EnvVars("FLOWGRAPH_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error), overrides the config file",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newServeCommand(),
			newValidateCommand(),
			newQueueCommand(),
			newInstanceCommand(),
		},
	}
}

// loadConfig 读取配置并初始化日志
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg, nil
}
