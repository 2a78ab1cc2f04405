package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/blingmoon/flowgraph/internal/logging"
	"github.com/blingmoon/flowgraph/queue"
)

func openQueue(cmd *cli.Command) (*queue.Queue, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return queue.Open(queue.Options{
		Dir:            cfg.Queue.Dir,
		Name:           cfg.Queue.Name,
		LockStaleAfter: cfg.Queue.LockStaleAfter,
		SyncWrites:     cfg.Queue.SyncWrites,
		Logger:         logging.WithModule("queue"),
	})
}

func newQueueCommand() *cli.Command {
	olderThan := &cli.DurationFlag{
		Name:  "older-than",
		Usage: "Only touch jobs last updated before this duration ago",
		Value: 10 * time.Minute,
	}
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and maintain the job queue",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Print job counts per status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q, err := openQueue(cmd)
					if err != nil {
						return err
					}
					stats, err := q.Stats(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("queue: %s\n", q.Path())
					fmt.Printf("  waiting:   %d\n  active:    %d\n  completed: %d\n  failed:    %d\n  cancelled: %d\n  total:     %d\n",
						stats.Waiting, stats.Active, stats.Completed, stats.Failed, stats.Cancelled, stats.Total())
					return nil
				},
			},
			{
				Name:      "list",
				Usage:     "Print jobs, optionally filtered by status",
				ArgsUsage: "[status...]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q, err := openQueue(cmd)
					if err != nil {
						return err
					}
					jobs, err := q.List(ctx, cmd.Args().Slice()...)
					if err != nil {
						return err
					}
					return printJSON(jobs)
				},
			},
			{
				Name:  "recover",
				Usage: "Requeue active jobs whose worker has gone away",
				Flags: []cli.Flag{olderThan},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q, err := openQueue(cmd)
					if err != nil {
						return err
					}
					n, err := q.RecoverStale(ctx, cmd.Duration("older-than"))
					if err != nil {
						return err
					}
					fmt.Printf("requeued %d job(s)\n", n)
					return nil
				},
			},
			{
				Name:  "purge",
				Usage: "Delete finished jobs",
				Flags: []cli.Flag{olderThan},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q, err := openQueue(cmd)
					if err != nil {
						return err
					}
					n, err := q.Purge(ctx, cmd.Duration("older-than"))
					if err != nil {
						return err
					}
					fmt.Printf("purged %d job(s)\n", n)
					return nil
				},
			},
		},
	}
}
