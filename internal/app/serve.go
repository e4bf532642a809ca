package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"exchange-risk-ledger/internal/api"
	"exchange-risk-ledger/internal/scheduler"
)

// Serve runs the HTTP API and the periodic refresh until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		rt.Close(closeCtx)
	}()

	deps := api.Deps{Controller: rt.controller, Metrics: rt.metrics}
	if rt.journal != nil {
		deps.Events = rt.journal
	}
	server := api.NewServer(deps, a.Config.API, a.Logger)

	refreshDone := make(chan error, 1)
	if a.Config.Scheduler.RefreshInterval > 0 {
		refresher, err := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.RefreshInterval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		if err != nil {
			return err
		}
		go func() {
			refreshDone <- refresher.Run(ctx, func(ctx context.Context) error {
				_, err := rt.controller.Refresh(ctx)
				return err
			})
		}()
	} else {
		if _, err := rt.controller.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("initial refresh failed")
		}
		refreshDone <- nil
	}

	a.Logger.Info().Str("backend", a.Config.Ledger.Backend).Bool("session", rt.store.Session()).Msg("starting exchange risk service")
	serveErr := server.Run(ctx)
	cancel()

	if err := <-refreshDone; err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("refresh loop terminated with error")
		if serveErr == nil {
			serveErr = err
		}
	}
	if serveErr != nil {
		a.Logger.Error().Err(serveErr).Msg("service terminated with error")
		return serveErr
	}

	a.Logger.Info().Msg("exchange risk service stopped")
	return nil
}
