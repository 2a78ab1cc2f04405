package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/blingmoon/flowgraph/workflow"
)

func newInstanceCommand() *cli.Command {
	withApp := func(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, cmd, a)
		}
	}
	return &cli.Command{
		Name:  "instance",
		Usage: "Inspect workflow instances",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print one instance",
				ArgsUsage: "<instance-id>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if cmd.Args().Len() != 1 {
						return cli.Exit("get requires an instance id", 2)
					}
					inst, err := a.engine.Scheduler().GetInstance(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					return printJSON(inst)
				}),
			},
			{
				Name:  "list",
				Usage: "Print instances ordered by creation time",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workflow", Usage: "Filter by workflow id"},
					&cli.StringSliceFlag{Name: "status", Usage: "Filter by status"},
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					list, err := a.store.ListInstances(ctx, &workflow.QueryInstanceParams{
						WorkflowID: cmd.String("workflow"),
						StatusIn:   cmd.StringSlice("status"),
						Limit:      int(cmd.Int("limit")),
					})
					if err != nil {
						return err
					}
					return printJSON(list)
				}),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running instance",
				ArgsUsage: "<instance-id>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if cmd.Args().Len() != 1 {
						return cli.Exit("cancel requires an instance id", 2)
					}
					return a.engine.Cancel(ctx, cmd.Args().First())
				}),
			},
		},
	}
}
