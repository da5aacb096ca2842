package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FAI3/orchestra/internal/api"
	"github.com/FAI3/orchestra/internal/ledger"
	"github.com/FAI3/orchestra/internal/log"
	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/service"
	"github.com/FAI3/orchestra/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("orchestra",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	client, err := ledger.NewClient(config.Remote)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	notifier := model.Notifiers{logNotifier, hub}
	registry := service.NewRegistry()
	dispatcher := service.NewDispatcher(client, registry, notifier)
	poller := service.NewPoller(client, registry, notifier, service.PollerConfig{
		Owner:        config.Remote.Owner,
		Interval:     config.Poller.Interval.Std(),
		Grace:        config.Poller.Grace.Std(),
		FetchTimeout: config.Poller.FetchTimeout.Std(),
		Parallelism:  config.Poller.Parallelism,
	})

	handlers := &api.Handlers{
		Launcher: dispatcher,
		Tracker:  poller,
		Events:   hub,
	}
	srv := &http.Server{
		Addr:              config.API.Addr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.API.ReadTimeout.Std(),
		WriteTimeout:      config.API.WriteTimeout.Std(),
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if err := poller.Start(ctx); err != nil {
		slog.WarnContext(ctx, "continuing without previous jobs", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		dispatcher.Close()
		poller.Close()
		hub.Close()
		return err
	})
	return g.Wait()
}
