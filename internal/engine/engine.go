// Package engine drives flush passes over the offline queue: it claims
// dispatchable operations, sends them through the mutation gateway with
// bounded concurrency, and applies retry, backoff, and conflict policy.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/conflict"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/gateway"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/metrics"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/network"
	"github.com/caregohq/carego-sync/internal/queue"
)

// Engine owns flush scheduling and execution. At most one flush pass runs
// at a time; calls landing during a pass mark it dirty so it re-runs.
type Engine struct {
	queue    *queue.Queue
	gateway  gateway.Gateway
	monitor  *network.Monitor
	resolver *conflict.Resolver
	conf     func() *config.Config
	observer metrics.Observer

	now func() time.Time

	mu         sync.Mutex
	flushing   bool
	dirty      bool
	lastReport *models.FlushReport
	lastError  error

	runMu     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	trigger   chan struct{}
}

// Status is a point-in-time snapshot of engine and queue state.
type Status struct {
	Online     bool                `json:"online"`
	Quality    string              `json:"quality"`
	Flushing   bool                `json:"flushing"`
	LastReport *models.FlushReport `json:"last_report,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Counts     models.QueueCounts  `json:"counts"`
}

// New creates an engine. conf is consulted at the start of every pass so
// configuration reloads apply without restarting. observer may be nil.
func New(q *queue.Queue, gw gateway.Gateway, mon *network.Monitor, res *conflict.Resolver, conf func() *config.Config, observer metrics.Observer) *Engine {
	if observer == nil {
		observer = metrics.Noop()
	}
	return &Engine{
		queue:    q,
		gateway:  gw,
		monitor:  mon,
		resolver: res,
		conf:     conf,
		observer: observer,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

// Flush runs one pass over the queue and reports every outcome. Offline,
// it returns an empty report without touching anything. If a pass is
// already running the call returns ErrBusy after marking the running pass
// dirty, which schedules a follow-up pass.
func (e *Engine) Flush(ctx context.Context) (*models.FlushReport, error) {
	e.mu.Lock()
	if e.flushing {
		e.dirty = true
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrBusy, "flush already in progress")
	}
	e.flushing = true
	e.mu.Unlock()

	report, err := e.flushPass(ctx)

	e.mu.Lock()
	e.flushing = false
	e.lastReport = report
	e.lastError = err
	rerun := e.dirty
	e.dirty = false
	e.mu.Unlock()

	if rerun {
		e.Poke()
	}
	return report, err
}

// LastReport returns the most recent flush report, or nil before the
// first pass.
func (e *Engine) LastReport() *models.FlushReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Status snapshots engine, network, and queue state for the status API.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	st := Status{
		Flushing:   e.flushing,
		LastReport: e.lastReport,
		Counts:     counts,
	}
	if e.lastError != nil {
		st.LastError = e.lastError.Error()
	}
	e.mu.Unlock()

	st.Online = e.monitor.Online()
	st.Quality = e.monitor.Quality()
	return st, nil
}

func (e *Engine) flushPass(ctx context.Context) (*models.FlushReport, error) {
	started := e.now()
	report := &models.FlushReport{StartedAt: started.UnixMilli()}

	if !e.monitor.Online() {
		// Nothing to do offline; the offline-to-online transition is the
		// wake-up that retries this.
		return report, nil
	}

	cfg := e.conf()

	// Bookkeeping writes must land even when the pass is canceled
	// mid-send, otherwise operations stay claimed forever.
	book := context.WithoutCancel(ctx)

	ops, err := e.queue.List(ctx, queue.Filter{
		Statuses: []string{models.StatusPending, models.StatusFailedRetryable},
	})
	if err != nil {
		return report, err
	}

	nowMS := e.now().UnixMilli()
	eligible := ops[:0]
	for _, op := range ops {
		if op.Dispatchable(nowMS) {
			eligible = append(eligible, op)
		} else {
			report.Skipped++
		}
	}
	if len(eligible) == 0 {
		report.DurationMS = e.now().Sub(started).Milliseconds()
		return report, nil
	}

	e.queue.Emit(ctx, models.QueueEvent{Kind: models.EventFlushStarted})
	logging.Info("flush started",
		zap.Int("eligible", len(eligible)),
		zap.Int("waiting_backoff", report.Skipped))

	// Quality is advisory: poor connections throttle dispatch, they never
	// block it.
	var limiter *rate.Limiter
	if e.monitor.Quality() == network.QualityPoor {
		limiter = rate.NewLimiter(rate.Limit(cfg.Sync.PoorDispatchRate), 1)
	}

	rb := &reportBuilder{report: report}
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Sync.Concurrency)
	for _, grp := range conflict.Order(eligible) {
		grp := grp
		g.Go(func() error {
			// Operations for one record go out strictly in order; a
			// failure parks the operation but the rest of the group
			// still gets its turn.
			for _, op := range grp.Ops {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				if limiter != nil {
					if err := limiter.Wait(groupCtx); err != nil {
						return err
					}
				}
				if err := e.dispatch(groupCtx, book, op, rb); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()

	if err != nil {
		// An aborted pass can leave claimed operations behind.
		if _, rerr := e.queue.ResolvePendingInFlight(book); rerr != nil {
			logging.Error("post-abort recovery failed", zap.Error(rerr))
		}
	}

	report.DurationMS = e.now().Sub(started).Milliseconds()
	e.observer.ObserveFlush(report)
	if counts, cerr := e.queue.Counts(book); cerr == nil {
		e.observer.SetQueueDepth(counts)
	}
	e.queue.Emit(book, models.QueueEvent{Kind: models.EventFlushCompleted, Report: report})
	logging.Info("flush completed",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("retryable", len(report.RetryableFailures)),
		zap.Int("terminal", len(report.TerminalFailures)),
		zap.Int("conflicts_resolved", report.ConflictsResolved),
		zap.Int64("duration_ms", report.DurationMS),
		zap.Error(err))
	return report, err
}

// dispatch sends one operation and records its outcome. A non-nil return
// aborts the whole pass: storage failures and cancellation qualify,
// per-operation send failures do not.
func (e *Engine) dispatch(ctx, book context.Context, op *models.SyncOperation, rb *reportBuilder) error {
	claimed, err := e.queue.MarkInFlight(book, op.ID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrInvalidTransition) {
			// Removed or changed since listing; leave it to the next pass.
			rb.skip()
			return nil
		}
		return err
	}

	applied, err := e.gateway.Apply(ctx, claimed, 0)
	if err == nil {
		logging.Debug("operation applied",
			zap.String("id", claimed.ID.String()),
			zap.String("record_id", applied.RecordID),
			zap.Int64("version", applied.Version))
		if err := e.queue.MarkSucceeded(book, claimed.ID); err != nil {
			return err
		}
		rb.succeeded(claimed.ID)
		return nil
	}
	if ctx.Err() != nil {
		// Canceled mid-send. The attempt never completed, so it carries
		// no retry penalty.
		if _, rerr := e.queue.ReleaseInFlight(book, claimed.ID); rerr != nil {
			return rerr
		}
		return ctx.Err()
	}

	ge := gateway.AsError(err)
	if ge.Code == apperrors.ErrConflictDetected {
		return e.settleConflict(ctx, book, claimed, ge, rb)
	}
	return e.recordFailure(book, claimed, ge, ge.Retryable, string(ge.Code), rb)
}

// settleConflict applies the per-model conflict policy and, when allowed,
// replays the merged payload once within the same pass.
func (e *Engine) settleConflict(ctx, book context.Context, op *models.SyncOperation, ge *gateway.Error, rb *reportBuilder) error {
	if ge.Server == nil {
		// Conflict without server state gives nothing to merge against;
		// retry and hope the next response carries it.
		return e.recordFailure(book, op, ge, true, string(ge.Code), rb)
	}

	res, err := e.resolver.Resolve(op, ge.Server)
	if err != nil {
		return e.recordFailure(book, op, err, false, string(apperrors.ErrConflictRejected), rb)
	}

	if res.Action == conflict.ActionReject {
		if err := e.queue.RecordConflict(book, res.Log, op); err != nil {
			return err
		}
		e.observer.RecordConflict(res.Log.Resolution)
		return e.recordFailure(book, op, ge, false, string(apperrors.ErrConflictRejected), rb)
	}

	// Replay against the version the merge was computed from. The queued
	// operation keeps its original payload: if this replay also fails, a
	// later pass re-merges against whatever the server holds by then.
	replay := *op
	replay.Data = res.Data
	_, err = e.gateway.Apply(ctx, &replay, res.BaseVersion)
	if err == nil {
		if err := e.queue.RecordConflict(book, res.Log, op); err != nil {
			return err
		}
		e.observer.RecordConflict(res.Log.Resolution)
		if err := e.queue.MarkSucceeded(book, op.ID); err != nil {
			return err
		}
		rb.conflictResolved(op.ID)
		return nil
	}
	if ctx.Err() != nil {
		if _, rerr := e.queue.ReleaseInFlight(book, op.ID); rerr != nil {
			return rerr
		}
		return ctx.Err()
	}
	ge2 := gateway.AsError(err)
	// Another conflict here means the server moved again between the
	// response and the replay; back off and re-resolve next pass.
	retryable := ge2.Retryable || ge2.Code == apperrors.ErrConflictDetected
	return e.recordFailure(book, op, ge2, retryable, string(ge2.Code), rb)
}

func (e *Engine) recordFailure(book context.Context, op *models.SyncOperation, cause error, retryable bool, code string, rb *reportBuilder) error {
	updated, err := e.queue.MarkFailed(book, op.ID, cause, retryable)
	if err != nil {
		return err
	}
	fail := models.FlushFailure{
		OperationID: op.ID,
		Model:       op.Model,
		RecordID:    op.RecordID,
		Code:        code,
		Message:     cause.Error(),
	}
	if updated.Status == models.StatusFailedTerminal {
		rb.terminal(fail)
	} else {
		rb.retryable(fail)
	}
	return nil
}

// reportBuilder collects outcomes from concurrent dispatch workers.
type reportBuilder struct {
	mu     sync.Mutex
	report *models.FlushReport
}

func (b *reportBuilder) succeeded(id models.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Succeeded = append(b.report.Succeeded, id)
}

func (b *reportBuilder) conflictResolved(id models.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Succeeded = append(b.report.Succeeded, id)
	b.report.ConflictsResolved++
}

func (b *reportBuilder) retryable(f models.FlushFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.RetryableFailures = append(b.report.RetryableFailures, f)
}

func (b *reportBuilder) terminal(f models.FlushFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.TerminalFailures = append(b.report.TerminalFailures, f)
}

func (b *reportBuilder) skip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Skipped++
}
