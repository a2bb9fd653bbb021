package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/wavemesh/core"
)

func newRunCmd() *cobra.Command {
	var (
		inputs    map[string]string
		inputJSON string
		resume    string
	)
	cmd := &cobra.Command{
		Use:   "run <plans.yaml>",
		Short: "Execute a plan file and print the event stream as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := core.LoadPlans(args[0])
			if err != nil {
				return err
			}
			input, err := buildInput(inputs, inputJSON)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			if workflowsPath != "" {
				if err := rt.Workflows().LoadFile(workflowsPath); err != nil {
					return err
				}
			}
			name := rt.registerPlans(set)

			var (
				id     string
				events <-chan core.StreamEvent
				errs   <-chan error
			)
			if resume != "" {
				id, events, errs, err = rt.Engine().Resume(ctx, resume)
			} else {
				id, events, errs, err = rt.Engine().Invoke(ctx, name, input)
			}
			if err != nil {
				return err
			}
			logger.Info("Execution started", "execution_id", id, "agent", name)

			enc := json.NewEncoder(cmd.OutOrStdout())
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case ev, ok := <-events:
						if !ok {
							return <-errs
						}
						if err := enc.Encode(ev); err != nil {
							return fmt.Errorf("write event: %w", err)
						}
					}
				}
			})
			if err := g.Wait(); err != nil {
				return err
			}

			summary, err := rt.Registry().GetExecution(id)
			if err != nil {
				return err
			}
			if summary.Status != core.StatusCompleted {
				return fmt.Errorf("execution %s ended %s: %s", id, summary.Status, summary.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "initial context values (key=value)")
	cmd.Flags().StringVar(&inputJSON, "input-json", "", "initial context as a JSON object")
	cmd.Flags().StringVar(&resume, "resume", "", "resume the execution with this id from its checkpoint")
	return cmd
}

// buildInput merges --input-json with --input; flag pairs win.
func buildInput(pairs map[string]string, raw string) (map[string]any, error) {
	input := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("parse --input-json: %w", err)
		}
	}
	for k, v := range pairs {
		input[k] = v
	}
	return input, nil
}
