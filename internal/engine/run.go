package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/models"
)

// Start launches the scheduling loop: it recovers orphaned in-flight
// operations, then flushes on connectivity regained, on enqueue while
// online, on Poke, and when a retry backoff expires.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.isRunning {
		return
	}
	e.isRunning = true
	e.stopCh = make(chan struct{})
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.loop()

	logging.Info("sync engine started")
}

// Stop cancels any running pass and waits for the loop to exit. The
// canceled pass returns its claimed operations to pending before Stop
// returns.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.isRunning {
		e.runMu.Unlock()
		return
	}
	e.isRunning = false
	close(e.stopCh)
	e.runCancel()
	e.runMu.Unlock()

	e.wg.Wait()
	logging.Info("sync engine stopped")
}

// Poke asks the loop for a flush pass. Non-blocking; pokes during a pass
// coalesce into one follow-up.
func (e *Engine) Poke() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()

	transitions, cancelNet := e.monitor.Subscribe(4)
	defer cancelNet()
	events, cancelQueue := e.queue.Subscribe(16)
	defer cancelQueue()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	// A previous process may have died mid-send.
	if _, err := e.queue.ResolvePendingInFlight(e.runCtx); err != nil {
		logging.Error("startup recovery failed", zap.Error(err))
	}

	wasOnline := e.monitor.Online()
	e.observer.SetOnline(wasOnline)
	if wasOnline {
		e.flushNow("startup")
	}

	for {
		e.armRetryTimer(timer)
		select {
		case <-e.stopCh:
			return

		case st := <-transitions:
			e.observer.SetOnline(st.Online)
			e.queue.Emit(e.runCtx, models.QueueEvent{Kind: models.EventNetworkChanged})
			// Regaining connectivity is the one transition that wakes
			// the engine; everything else only updates status.
			if st.Online && !wasOnline {
				e.flushNow("connectivity regained")
			}
			wasOnline = st.Online

		case ev := <-events:
			if ev.Kind == models.EventEnqueued && e.monitor.Online() {
				e.flushNow("operation enqueued")
			}

		case <-e.trigger:
			e.flushNow("poked")

		case <-timer.C:
			e.flushNow("retry due")
		}
	}
}

// armRetryTimer points the timer at the earliest pending backoff expiry,
// or parks it when nothing is waiting.
func (e *Engine) armRetryTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	at, err := e.queue.NextRetryAt(e.runCtx)
	if err != nil || at == 0 {
		return
	}
	d := time.Until(time.UnixMilli(at))
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (e *Engine) flushNow(reason string) {
	logging.Debug("flush triggered", zap.String("reason", reason))
	if _, err := e.Flush(e.runCtx); err != nil && !apperrors.Is(err, apperrors.ErrBusy) {
		logging.Warn("flush pass failed",
			zap.String("reason", reason),
			zap.Error(err))
	}
}
