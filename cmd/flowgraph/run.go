package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/flowgraph/workflow"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Register a definition, start one instance and wait until it finishes",
		ArgsUsage: "<definition.yaml>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "var",
				Aliases: []string{"v"},
				Usage:   "Initial variable as key=value, value is parsed as yaml",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the instance when it runs longer than this, 0 means no limit",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("run requires exactly one definition file", 2)
			}
			def, err := readDefinition(cmd.Args().First())
			if err != nil {
				return err
			}
			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.RegisterWorkflow(ctx, def); err != nil {
				return err
			}
			stop := a.runEngine(ctx)
			defer stop()

			inst, err := a.engine.Start(ctx, def.ID, vars)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "[run] instance started", "instance_id", inst.ID, "workflow_id", def.ID)

			waitCtx := ctx
			if timeout := cmd.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			final, err := a.engine.Wait(waitCtx, inst.ID)
			if err != nil {
				// 超时或者被中断时取消实例,已经投递的任务会看到终止状态直接结束
				if cancelErr := a.engine.Cancel(context.WithoutCancel(ctx), inst.ID); cancelErr != nil {
					a.logger.WarnContext(ctx, "[run] cancel instance failed", "instance_id", inst.ID, "err", cancelErr)
				}
				return err
			}
			if err := printJSON(final); err != nil {
				return err
			}
			if final.Status != workflow.InstanceStatusCompleted {
				return cli.Exit(fmt.Sprintf("instance %s %s: %s", final.ID, final.Status, final.Error), 1)
			}
			return nil
		},
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Process queued nodes of registered workflows until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Listen address of the prometheus endpoint, empty disables it",
				Sources: cli.EnvVars("FLOWGRAPH_METRICS_ADDR"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr := cmd.String("metrics-addr"); addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.ErrorContext(ctx, "[serve] metrics server failed", "err", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}
			return a.engine.Run(ctx)
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate definition files",
		ArgsUsage: "<definition.yaml>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return cli.Exit("validate requires at least one definition file", 2)
			}
			invalid := 0
			for _, path := range cmd.Args().Slice() {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				def := &workflow.Definition{}
				err = yaml.Unmarshal(data, def)
				var warnings []string
				if err == nil {
					warnings, err = workflow.ValidateDefinition(def)
				}
				if err != nil {
					invalid++
					fmt.Printf("❌ %s: %v\n", path, err)
					continue
				}
				fmt.Printf("✓ %s (%s): %d nodes, %d edges\n", path, def.ID, len(def.Nodes), len(def.Edges))
				for _, w := range warnings {
					fmt.Printf("  ⚠ %s\n", w)
				}
			}
			if invalid > 0 {
				return cli.Exit(fmt.Sprintf("%d invalid definition(s)", invalid), 1)
			}
			return nil
		},
	}
}

func readDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.ParseDefinition(data)
}

// parseVars key=value,value 按 yaml 解析,所以 3 是数字,true 是布尔值
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, cli.Exit(fmt.Sprintf("invalid --var %q, expected key=value", pair), 2)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
