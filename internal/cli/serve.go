package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/app"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), e)
		},
	}
}

func serve(parent context.Context, e *env) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, e.cfg, app.WithLogger(e.logger))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    e.cfg.BindAddr,
		Handler: res.API.Router(),
	}

	listenErr := make(chan error, 1)
	go func() {
		e.logger.Info("server listening", zap.String("addr", e.cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		e.logger.Info("shutdown signal received")
	case serveErr = <-listenErr:
		e.logger.Error("listen error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := res.Cleanup(shutdownCtx); err != nil {
		e.logger.Warn("cleanup failed", zap.Error(err))
	}

	e.logger.Info("shutdown complete")
	return serveErr
}
