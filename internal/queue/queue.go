// Package queue manages the durable offline operation queue: enqueue,
// ordering, and the per-operation state machine the sync engine drives.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/config"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/store"
	"github.com/caregohq/carego-sync/internal/uuid"
)

// Queue is the durable operation queue. All state transitions are
// serialized through one mutex so invariants that span operations, such
// as one in-flight per record, hold across concurrent callers.
type Queue struct {
	store store.Store
	conf  func() *config.Config

	mu  sync.Mutex
	now func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan models.QueueEvent
	nextSub int
}

// Filter narrows List results. The zero value selects everything.
type Filter struct {
	Model    string
	RecordID string
	Statuses []string
}

func (f Filter) match(op *models.SyncOperation) bool {
	if f.Model != "" && op.Model != f.Model {
		return false
	}
	if f.RecordID != "" && op.RecordID != f.RecordID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if op.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// New creates a queue over the given store. conf must return the current
// configuration snapshot; it is consulted on every call so hot reloads
// take effect without restarting.
func New(st store.Store, conf func() *config.Config) *Queue {
	return &Queue{
		store: st,
		conf:  conf,
		now:   time.Now,
		subs:  make(map[int]chan models.QueueEvent),
	}
}

// Enqueue validates and persists a new operation. Creates with no record
// id get a client-generated one so dependent updates can reference the
// record before the server has seen it.
func (q *Queue) Enqueue(ctx context.Context, in models.NewOperation) (*models.SyncOperation, error) {
	if !models.ValidType(in.Type) {
		return nil, apperrors.New(apperrors.ErrInvalidOperation, "unknown operation type: "+in.Type)
	}
	if in.Model == "" {
		return nil, apperrors.New(apperrors.ErrInvalidOperation, "model name is required")
	}
	if in.RecordID == "" {
		if in.Type != models.OpCreate {
			return nil, apperrors.New(apperrors.ErrInvalidOperation, "record id is required for "+in.Type)
		}
		in.RecordID = uuid.New()
	}
	if in.Type != models.OpDelete && len(in.Data) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalidOperation, "data is required for "+in.Type)
	}

	cfg := q.conf()
	nowMS := q.now().UnixMilli()
	op := &models.SyncOperation{
		ID:        models.UUID(uuid.New()),
		Type:      in.Type,
		Model:     in.Model,
		RecordID:  in.RecordID,
		Data:      in.Data,
		Priority:  cfg.PriorityFor(in.Model),
		Status:    models.StatusPending,
		CreatedAt: nowMS,
		UpdatedAt: nowMS,
	}

	q.mu.Lock()
	err := q.store.Put(ctx, op)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logging.Info("operation enqueued",
		zap.String("id", string(op.ID)),
		zap.String("type", op.Type),
		zap.String("model", op.Model),
		zap.String("record_id", op.RecordID),
		zap.Int("priority", op.Priority))
	q.emit(ctx, models.EventEnqueued, op)
	return op, nil
}

// Get returns a single operation by id.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	return q.store.Get(ctx, id)
}

// List returns matching operations ordered by priority, then creation
// time, then id. Listing never mutates state.
func (q *Queue) List(ctx context.Context, f Filter) ([]*models.SyncOperation, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SyncOperation, 0, len(all))
	for _, op := range all {
		if f.match(op) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return out, nil
}

// MarkInFlight claims an operation for sending. It fails when the
// operation is not dispatchable yet, or when another operation for the
// same record is already in flight.
func (q *Queue) MarkInFlight(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	nowMS := q.now().UnixMilli()
	if !op.Dispatchable(nowMS) {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			"operation "+string(id)+" is not dispatchable (status "+op.Status+")")
	}

	all, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range all {
		if other.ID != op.ID && other.Status == models.StatusInFlight && other.GroupKey() == op.GroupKey() {
			return nil, apperrors.New(apperrors.ErrInvalidTransition,
				"record "+op.GroupKey()+" already has operation "+string(other.ID)+" in flight")
		}
	}

	updated, err := q.store.Update(ctx, id, func(cur *models.SyncOperation) error {
		cur.Status = models.StatusInFlight
		cur.UpdatedAt = nowMS
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.emit(ctx, models.EventUpdated, updated)
	return updated, nil
}

// MarkSucceeded removes a successfully applied operation. Success is
// final, so nothing of the operation is retained.
func (q *Queue) MarkSucceeded(ctx context.Context, id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusInFlight {
		return apperrors.New(apperrors.ErrInvalidTransition,
			"operation "+string(id)+" is "+op.Status+", not in flight")
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}

	logging.Info("operation succeeded",
		zap.String("id", string(id)),
		zap.String("model", op.Model),
		zap.String("record_id", op.RecordID))
	op.Status = models.StatusPending // removed; status no longer meaningful
	q.emit(ctx, models.EventRemoved, op)
	return nil
}

// MarkFailed records a failed send attempt. Retryable failures below the
// retry ceiling go back to pending with an exponential backoff delay;
// everything else is parked as terminal until the user intervenes.
func (q *Queue) MarkFailed(ctx context.Context, id models.UUID, cause error, retryable bool) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cfg := q.conf()
	nowMS := q.now().UnixMilli()

	updated, err := q.store.Update(ctx, id, func(cur *models.SyncOperation) error {
		if cur.Status != models.StatusInFlight {
			return apperrors.New(apperrors.ErrInvalidTransition,
				"operation "+string(id)+" is "+cur.Status+", not in flight")
		}
		cur.RetryCount++
		if cause != nil {
			cur.LastError = cause.Error()
		}
		cur.UpdatedAt = nowMS

		if !retryable || cur.RetryCount >= cfg.Sync.MaxRetries {
			cur.Status = models.StatusFailedTerminal
			cur.NextRetryAt = 0
			return nil
		}
		delay := backoffDelay(cfg.Sync.BackoffBase, cfg.Sync.BackoffCap, cur.RetryCount)
		cur.Status = models.StatusFailedRetryable
		cur.NextRetryAt = nowMS + delay.Milliseconds()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Status == models.StatusFailedTerminal {
		logging.Warn("operation failed terminally",
			zap.String("id", string(id)),
			zap.String("model", updated.Model),
			zap.Int("retry_count", updated.RetryCount),
			zap.String("last_error", updated.LastError))
	} else {
		logging.Info("operation failed, will retry",
			zap.String("id", string(id)),
			zap.Int("retry_count", updated.RetryCount),
			zap.Int("max_retries", cfg.Sync.MaxRetries),
			zap.Int64("next_retry_at", updated.NextRetryAt),
			zap.String("last_error", updated.LastError))
	}
	q.emit(ctx, models.EventUpdated, updated)
	return updated, nil
}

// Remove discards an operation outright. In-flight operations cannot be
// removed; cancel the flush first.
func (q *Queue) Remove(ctx context.Context, id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == models.StatusInFlight {
		return apperrors.New(apperrors.ErrInvalidTransition,
			"operation "+string(id)+" is in flight and cannot be removed")
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}

	logging.Info("operation removed", zap.String("id", string(id)), zap.String("status", op.Status))
	q.emit(ctx, models.EventRemoved, op)
	return nil
}

// DiscardTerminal removes every terminally failed operation and returns
// how many were discarded.
func (q *Queue) DiscardTerminal(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, op := range all {
		if op.Status != models.StatusFailedTerminal {
			continue
		}
		if err := q.store.Delete(ctx, op.ID); err != nil {
			return count, err
		}
		count++
		q.emit(ctx, models.EventRemoved, op)
	}
	if count > 0 {
		logging.Info("terminal operations discarded", zap.Int("count", count))
	}
	return count, nil
}

// Requeue resurrects a terminally failed operation as a fresh one: new
// id, zero retries, pending. The old id is retired with the old attempt
// so the server never sees it again.
func (q *Queue) Requeue(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	old, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != models.StatusFailedTerminal {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			"operation "+string(id)+" is "+old.Status+"; only terminal failures can be requeued")
	}

	nowMS := q.now().UnixMilli()
	fresh := &models.SyncOperation{
		ID:        models.UUID(uuid.New()),
		Type:      old.Type,
		Model:     old.Model,
		RecordID:  old.RecordID,
		Data:      old.CloneData(),
		Priority:  q.conf().PriorityFor(old.Model),
		Status:    models.StatusPending,
		CreatedAt: nowMS,
		UpdatedAt: nowMS,
	}
	if err := q.store.Put(ctx, fresh); err != nil {
		return nil, err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		// Avoid leaving both attempts queued.
		if rbErr := q.store.Delete(ctx, fresh.ID); rbErr != nil {
			logging.Error("requeue rollback failed",
				zap.String("old_id", string(id)),
				zap.String("new_id", string(fresh.ID)),
				zap.Error(rbErr))
		}
		return nil, err
	}

	logging.Info("operation requeued",
		zap.String("old_id", string(id)),
		zap.String("new_id", string(fresh.ID)),
		zap.String("model", fresh.Model))
	q.emit(ctx, models.EventRemoved, old)
	q.emit(ctx, models.EventEnqueued, fresh)
	return fresh, nil
}

// ReleaseInFlight returns one claimed operation to pending without a
// retry penalty. Used when a flush pass is canceled mid-send: the attempt
// was never completed, so it does not count against the retry ceiling.
func (q *Queue) ReleaseInFlight(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMS := q.now().UnixMilli()
	updated, err := q.store.Update(ctx, id, func(cur *models.SyncOperation) error {
		if cur.Status != models.StatusInFlight {
			return apperrors.New(apperrors.ErrInvalidTransition,
				"operation "+string(id)+" is "+cur.Status+", not in flight")
		}
		cur.Status = models.StatusPending
		cur.UpdatedAt = nowMS
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.emit(ctx, models.EventUpdated, updated)
	return updated, nil
}

// RecordConflict persists a conflict resolution record for later review.
func (q *Queue) RecordConflict(ctx context.Context, entry *models.ConflictLog, op *models.SyncOperation) error {
	if err := q.store.PutConflict(ctx, entry); err != nil {
		return err
	}
	q.emit(ctx, models.EventConflictResolved, op)
	return nil
}

// Conflicts returns up to limit recorded conflicts, newest first.
func (q *Queue) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return q.store.Conflicts(ctx, limit)
}

// Counts summarizes queue occupancy by status.
func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return models.QueueCounts{}, err
	}
	return countsOf(all), nil
}

// HasPending reports whether any operation still awaits a successful
// send, optionally narrowed to the named models. This backs the app's
// pending-changes indicator.
func (q *Queue) HasPending(ctx context.Context, modelNames ...string) (bool, error) {
	if len(modelNames) == 0 {
		counts, err := q.Counts(ctx)
		if err != nil {
			return false, err
		}
		return counts.PendingTotal() > 0, nil
	}

	ops, err := q.store.List(ctx)
	if err != nil {
		return false, err
	}
	want := make(map[string]bool, len(modelNames))
	for _, m := range modelNames {
		want[m] = true
	}
	for _, op := range ops {
		if want[op.Model] && op.Unsettled() {
			return true, nil
		}
	}
	return false, nil
}

// NextRetryAt returns the earliest future retry time in unix milliseconds
// among backoff-delayed operations, or zero when none are waiting.
func (q *Queue) NextRetryAt(ctx context.Context) (int64, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	nowMS := q.now().UnixMilli()
	var earliest int64
	for _, op := range all {
		if op.Status != models.StatusFailedRetryable || op.NextRetryAt <= nowMS {
			continue
		}
		if earliest == 0 || op.NextRetryAt < earliest {
			earliest = op.NextRetryAt
		}
	}
	return earliest, nil
}

// ResolvePendingInFlight returns every in-flight operation to pending.
// Run at startup and after a canceled flush so no operation is left
// claimed by an owner that no longer exists. The interrupted attempt is
// not counted as a retry.
func (q *Queue) ResolvePendingInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	nowMS := q.now().UnixMilli()
	count := 0
	for _, op := range all {
		if op.Status != models.StatusInFlight {
			continue
		}
		if _, err := q.store.Update(ctx, op.ID, func(cur *models.SyncOperation) error {
			cur.Status = models.StatusPending
			cur.UpdatedAt = nowMS
			return nil
		}); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Warn("recovered orphaned in-flight operations", zap.Int("count", count))
		q.emit(ctx, models.EventUpdated, nil)
	}
	return count, nil
}

// ReapplyPriorities recomputes priorities for unsettled operations after
// a configuration reload and returns how many changed.
func (q *Queue) ReapplyPriorities(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cfg := q.conf()
	all, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	nowMS := q.now().UnixMilli()
	count := 0
	for _, op := range all {
		if !op.Unsettled() {
			continue
		}
		want := cfg.PriorityFor(op.Model)
		if op.Priority == want {
			continue
		}
		if _, err := q.store.Update(ctx, op.ID, func(cur *models.SyncOperation) error {
			cur.Priority = want
			cur.UpdatedAt = nowMS
			return nil
		}); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("priorities reapplied after config change", zap.Int("count", count))
		q.emit(ctx, models.EventUpdated, nil)
	}
	return count, nil
}

// Subscribe returns a channel of queue events and a cancel function.
// Delivery is best-effort: slow consumers lose events, not correctness.
func (q *Queue) Subscribe(buffer int) (<-chan models.QueueEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan models.QueueEvent, buffer)

	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch
	q.subMu.Unlock()

	cancel := func() {
		q.subMu.Lock()
		if _, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(ch)
		}
		q.subMu.Unlock()
	}
	return ch, cancel
}

// Emit publishes an engine-level event (flush start/completion, network
// change) to queue subscribers.
func (q *Queue) Emit(ctx context.Context, ev models.QueueEvent) {
	if ev.At == 0 {
		ev.At = q.now().UnixMilli()
	}
	if ev.Counts.Total() == 0 {
		if counts, err := q.Counts(ctx); err == nil {
			ev.Counts = counts
		}
	}
	q.publish(ev)
}

func (q *Queue) emit(ctx context.Context, kind string, op *models.SyncOperation) {
	ev := models.QueueEvent{
		Kind: kind,
		At:   q.now().UnixMilli(),
	}
	if op != nil {
		cp := *op
		cp.Data = op.CloneData()
		ev.Operation = &cp
	}
	if counts, err := q.countsNoLock(ctx); err == nil {
		ev.Counts = counts
	}
	q.publish(ev)
}

// countsNoLock reads counts without taking q.mu; emit runs while the
// transition lock is held.
func (q *Queue) countsNoLock(ctx context.Context) (models.QueueCounts, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return models.QueueCounts{}, err
	}
	return countsOf(all), nil
}

func (q *Queue) publish(ev models.QueueEvent) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func countsOf(ops []*models.SyncOperation) models.QueueCounts {
	var c models.QueueCounts
	for _, op := range ops {
		switch op.Status {
		case models.StatusPending:
			c.Pending++
		case models.StatusInFlight:
			c.InFlight++
		case models.StatusFailedRetryable:
			c.FailedRetryable++
		case models.StatusFailedTerminal:
			c.FailedTerminal++
		}
	}
	return c
}

// backoffDelay computes base * 2^retry, capped at limit. retry is the
// post-increment retry count, so the first retry waits twice the base.
func backoffDelay(base, limit time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retry; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
