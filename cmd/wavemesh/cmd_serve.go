package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [plans.yaml...]",
		Short: "Host one agent per plan file behind the HTTP adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Std())
				defer cancel()
				_ = rt.Close(shutdownCtx)
			}()

			if workflowsPath != "" {
				if err := rt.Workflows().LoadFile(workflowsPath); err != nil {
					return err
				}
			}
			for _, path := range args {
				set, err := core.LoadPlans(path)
				if err != nil {
					return err
				}
				logger.Info("Agent registered", "agent", rt.registerPlans(set), "plans", len(set.Plans))
			}

			srv := server.New(rt.Engine(), func(o *server.Options) {
				o.Registry = rt.Registry()
				o.Gatherer = prometheus.DefaultGatherer
				o.ShutdownTimeout = cfg.Server.ShutdownTimeout.Std()
				o.Logger = logger
			})
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
