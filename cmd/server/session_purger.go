package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionPurger interface {
	PurgeExpired() error
}

type historyPurger interface {
	PurgeSessions(ctx context.Context, endedBefore time.Time) (int, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func defaultTickerFactory(d time.Duration) purgeTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// startSessionPurgeWorker sweeps expired login tokens out of the session
// store on the given interval. The returned function stops the worker and
// is safe to call more than once.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	return startSessionPurgeWorkerWithTicker(ctx, logger, sessions, interval, defaultTickerFactory)
}

func startSessionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	return runPurgeLoop(ctx, interval, newTicker, func(context.Context) {
		if err := sessions.PurgeExpired(); err != nil && logger != nil {
			logger.Error("failed to purge expired sessions", "error", err)
		}
	})
}

// startHistoryPurgeWorker deletes finished broadcast sessions older than the
// retention window. A zero retention disables the worker and history is kept
// indefinitely.
func startHistoryPurgeWorker(ctx context.Context, logger *slog.Logger, store historyPurger, interval, retention time.Duration) func() {
	return startHistoryPurgeWorkerWithTicker(ctx, logger, store, interval, retention, defaultTickerFactory)
}

func startHistoryPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store historyPurger,
	interval, retention time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 || retention <= 0 {
		return func() {}
	}
	return runPurgeLoop(ctx, interval, newTicker, func(loopCtx context.Context) {
		cutoff := time.Now().Add(-retention)
		purged, err := store.PurgeSessions(loopCtx, cutoff)
		if err != nil {
			if logger != nil {
				logger.Error("failed to purge session history", "error", err)
			}
			return
		}
		if purged > 0 && logger != nil {
			logger.Info("purged session history", "count", purged, "ended_before", cutoff)
		}
	})
}

func runPurgeLoop(ctx context.Context, interval time.Duration, newTicker tickerFactory, sweep func(context.Context)) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				sweep(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
