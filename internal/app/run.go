package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Serve runs the engine mailbox, the HTTP API and, when configured, the event source and
// webhook dispatcher until ctx is cancelled, a signal arrives or a component fails.
func (a *App) Serve(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler, err := a.Handler()
	if err != nil {
		return err
	}
	worker, err := a.SourceWorker()
	if err != nil {
		return err
	}
	hooks := a.Webhooks()
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 4)
	background := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Log.ErrorContext(ctx, "component stopped", "component", name, "err", err)
				errCh <- err
			}
		}()
	}
	background("engine", a.Engine.Run)
	if worker != nil {
		defer worker.Consumer.Close()
		background("source", worker.Run)
	}
	if hooks != nil {
		background("webhooks", hooks.Run)
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.Log.InfoContext(ctx, "serving", "addr", addr, "base_path", a.Config.Server.BasePath, "kafka", worker != nil, "webhooks", hooks != nil)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown", "err", err)
	}
	return runErr
}
