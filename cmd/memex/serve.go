package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nicosuave/memex/internal/server"
	"github.com/nicosuave/memex/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP search API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.cfg.Server
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				if port <= 0 || port > 65535 {
					return usagef("--port must be between 1 and 65535")
				}
				cfg.Port = port
			}
			logger, err := utils.NewLogger(a.cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv := server.NewServer(a.engine(), &cfg, logger)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			ctx := cmd.Context()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (default server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	return cmd
}
