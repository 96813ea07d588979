package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

type stopper interface {
	Stop()
}

// stopOnSignal asks s to stop on the first SIGINT or SIGTERM, letting work
// in flight finish, and cancels the returned context on the second.
func stopOnSignal(ctx context.Context, s stopper) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := watchSignals(ctx, sigs, s)
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func watchSignals(ctx context.Context, sigs <-chan os.Signal, s stopper) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case sig := <-sigs:
			zap.L().Info("stop requested, finishing work in flight (signal again to abort)",
				zap.String("signal", sig.String()))
			s.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			zap.L().Warn("aborting")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
