package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caregohq/carego-sync/internal/config"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/store"
	"github.com/caregohq/carego-sync/internal/uuid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *fakeClock, *config.Config) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Sync.MaxRetries = 3
	cfg.Sync.BackoffBase = time.Second
	cfg.Sync.BackoffCap = 30 * time.Second

	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	q := New(store.NewMemory(), func() *config.Config { return cfg })
	q.now = clk.now
	return q, clk, cfg
}

func enqueue(t *testing.T, q *Queue, typ, model, recordID string) *models.SyncOperation {
	t.Helper()
	in := models.NewOperation{Type: typ, Model: model, RecordID: recordID}
	if typ != models.OpDelete {
		in.Data = map[string]any{"field": "value"}
	}
	op, err := q.Enqueue(context.Background(), in)
	if err != nil {
		t.Fatalf("Enqueue(%s %s/%s) error = %v", typ, model, recordID, err)
	}
	return op
}

// claimAndFail walks one operation through a full failed attempt.
func claimAndFail(t *testing.T, q *Queue, id models.UUID, retryable bool) *models.SyncOperation {
	t.Helper()
	if _, err := q.MarkInFlight(context.Background(), id); err != nil {
		t.Fatalf("MarkInFlight() error = %v", err)
	}
	op, err := q.MarkFailed(context.Background(), id, errors.New("send failed"), retryable)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	return op
}

func TestQueue_Enqueue(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")

	if !uuid.IsValid(string(op.ID)) {
		t.Errorf("op.ID = %q, want a valid uuid", op.ID)
	}
	if op.Status != models.StatusPending {
		t.Errorf("op.Status = %q, want %q", op.Status, models.StatusPending)
	}
	if op.Priority != 1 {
		t.Errorf("op.Priority = %d, want 1 for observations", op.Priority)
	}
	if op.RetryCount != 0 {
		t.Errorf("op.RetryCount = %d, want 0", op.RetryCount)
	}
	if op.CreatedAt != clk.t.UnixMilli() {
		t.Errorf("op.CreatedAt = %d, want %d", op.CreatedAt, clk.t.UnixMilli())
	}
}

func TestQueue_EnqueueCreateMintsRecordID(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op, err := q.Enqueue(context.Background(), models.NewOperation{
		Type:  models.OpCreate,
		Model: "observation",
		Data:  map[string]any{"note": "first nap"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !uuid.IsValid(op.RecordID) {
		t.Errorf("op.RecordID = %q, want a client-generated uuid", op.RecordID)
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t)

	tests := []struct {
		name string
		in   models.NewOperation
	}{
		{"unknown type", models.NewOperation{Type: "upsert", Model: "observation", RecordID: "r", Data: map[string]any{"a": 1}}},
		{"missing model", models.NewOperation{Type: models.OpCreate, Data: map[string]any{"a": 1}}},
		{"update without record id", models.NewOperation{Type: models.OpUpdate, Model: "observation", Data: map[string]any{"a": 1}}},
		{"update without data", models.NewOperation{Type: models.OpUpdate, Model: "observation", RecordID: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.in)
			if !apperrors.Is(err, apperrors.ErrInvalidOperation) {
				t.Errorf("Enqueue() error = %v, want %s", err, apperrors.ErrInvalidOperation)
			}
		})
	}
}

func TestQueue_ListOrdering(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	media := enqueue(t, q, models.OpCreate, "media", "m-1")
	clk.advance(time.Millisecond)
	obsFirst := enqueue(t, q, models.OpUpdate, "observation", "o-2")
	clk.advance(time.Millisecond)
	msg := enqueue(t, q, models.OpUpdate, "message", "msg-1")
	clk.advance(time.Millisecond)
	obsSecond := enqueue(t, q, models.OpUpdate, "observation", "o-3")

	got, err := q.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	// Observations (priority 1) lead regardless of enqueue order; equal
	// priorities fall back to creation time.
	want := []models.UUID{obsFirst.ID, obsSecond.ID, msg.ID, media.ID}
	if len(got) != len(want) {
		t.Fatalf("List() returned %d operations, want %d", len(got), len(want))
	}
	for i, op := range got {
		if op.ID != want[i] {
			t.Errorf("List()[%d] = %s (%s p%d), want %s", i, op.ID, op.Model, op.Priority, want[i])
		}
	}
}

func TestQueue_ListFilter(t *testing.T) {
	q, _, _ := newTestQueue(t)

	enqueue(t, q, models.OpUpdate, "observation", "o-1")
	enqueue(t, q, models.OpUpdate, "message", "m-1")

	got, err := q.List(context.Background(), Filter{Model: "message"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Model != "message" {
		t.Errorf("List(model=message) = %d ops, want exactly the message op", len(got))
	}

	got, err = q.List(context.Background(), Filter{Statuses: []string{models.StatusFailedTerminal}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List(status=failed_terminal) = %d ops, want 0", len(got))
	}
}

func TestQueue_MarkInFlightExclusivity(t *testing.T) {
	q, _, _ := newTestQueue(t)

	first := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	second := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	other := enqueue(t, q, models.OpUpdate, "observation", "rec-2")

	if _, err := q.MarkInFlight(context.Background(), first.ID); err != nil {
		t.Fatalf("MarkInFlight(first) error = %v", err)
	}
	if _, err := q.MarkInFlight(context.Background(), second.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("MarkInFlight(second same record) error = %v, want %s", err, apperrors.ErrInvalidTransition)
	}
	if _, err := q.MarkInFlight(context.Background(), other.ID); err != nil {
		t.Errorf("MarkInFlight(other record) error = %v, want nil", err)
	}
}

func TestQueue_MarkInFlightRespectsBackoff(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	failed := claimAndFail(t, q, op.ID, true)

	if failed.Status != models.StatusFailedRetryable {
		t.Fatalf("status = %q, want %q", failed.Status, models.StatusFailedRetryable)
	}
	if _, err := q.MarkInFlight(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("MarkInFlight() during backoff error = %v, want %s", err, apperrors.ErrInvalidTransition)
	}

	clk.advance(2*time.Second + time.Millisecond)
	if _, err := q.MarkInFlight(context.Background(), op.ID); err != nil {
		t.Errorf("MarkInFlight() after backoff error = %v, want nil", err)
	}
}

func TestQueue_MarkSucceededRemoves(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	if _, err := q.MarkInFlight(context.Background(), op.ID); err != nil {
		t.Fatalf("MarkInFlight() error = %v", err)
	}

	if err := q.MarkSucceeded(context.Background(), op.ID); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}
	if _, err := q.Get(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after success error = %v, want %s", err, apperrors.ErrNotFound)
	}
}

func TestQueue_MarkSucceededRequiresInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	if err := q.MarkSucceeded(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("MarkSucceeded(pending) error = %v, want %s", err, apperrors.ErrInvalidTransition)
	}
}

func TestQueue_MarkFailedRetryableSchedulesBackoff(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	failed := claimAndFail(t, q, op.ID, true)

	if failed.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", failed.RetryCount)
	}
	// base 1s doubled once for the post-increment retry count of 1.
	wantRetryAt := clk.t.UnixMilli() + (2 * time.Second).Milliseconds()
	if failed.NextRetryAt != wantRetryAt {
		t.Errorf("NextRetryAt = %d, want %d", failed.NextRetryAt, wantRetryAt)
	}
	if failed.LastError == "" {
		t.Error("LastError is empty, want the send failure recorded")
	}
}

func TestQueue_MarkFailedTerminalAtCeiling(t *testing.T) {
	q, clk, cfg := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")

	for attempt := 1; attempt < cfg.Sync.MaxRetries; attempt++ {
		failed := claimAndFail(t, q, op.ID, true)
		if failed.Status != models.StatusFailedRetryable {
			t.Fatalf("attempt %d: status = %q, want %q", attempt, failed.Status, models.StatusFailedRetryable)
		}
		if failed.RetryCount != attempt {
			t.Fatalf("attempt %d: RetryCount = %d, want %d", attempt, failed.RetryCount, attempt)
		}
		clk.advance(time.Minute)
	}

	final := claimAndFail(t, q, op.ID, true)
	if final.Status != models.StatusFailedTerminal {
		t.Errorf("status after %d attempts = %q, want %q", cfg.Sync.MaxRetries, final.Status, models.StatusFailedTerminal)
	}
	if final.RetryCount != cfg.Sync.MaxRetries {
		t.Errorf("RetryCount = %d, want exactly %d", final.RetryCount, cfg.Sync.MaxRetries)
	}
}

func TestQueue_MarkFailedNonRetryableIsTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	failed := claimAndFail(t, q, op.ID, false)

	if failed.Status != models.StatusFailedTerminal {
		t.Errorf("status = %q, want %q on first non-retryable failure", failed.Status, models.StatusFailedTerminal)
	}
	if failed.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", failed.RetryCount)
	}
}

func TestQueue_RemoveRejectsInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	if _, err := q.MarkInFlight(context.Background(), op.ID); err != nil {
		t.Fatalf("MarkInFlight() error = %v", err)
	}

	if err := q.Remove(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Remove(in-flight) error = %v, want %s", err, apperrors.ErrInvalidTransition)
	}
}

func TestQueue_DiscardTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)

	keep := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	dead1 := enqueue(t, q, models.OpUpdate, "message", "rec-2")
	dead2 := enqueue(t, q, models.OpUpdate, "message", "rec-3")
	claimAndFail(t, q, dead1.ID, false)
	claimAndFail(t, q, dead2.ID, false)

	n, err := q.DiscardTerminal(context.Background())
	if err != nil {
		t.Fatalf("DiscardTerminal() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DiscardTerminal() = %d, want 2", n)
	}
	if _, err := q.Get(context.Background(), keep.ID); err != nil {
		t.Errorf("pending operation was discarded: %v", err)
	}
}

func TestQueue_RequeueMintsNewID(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	claimAndFail(t, q, op.ID, false)

	fresh, err := q.Requeue(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if fresh.ID == op.ID {
		t.Error("Requeue() reused the old operation id")
	}
	if fresh.Status != models.StatusPending || fresh.RetryCount != 0 {
		t.Errorf("requeued op = %s rc=%d, want pending rc=0", fresh.Status, fresh.RetryCount)
	}
	if _, err := q.Get(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("old operation still present after requeue: %v", err)
	}
}

func TestQueue_RequeueOnlyTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	if _, err := q.Requeue(context.Background(), op.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Requeue(pending) error = %v, want %s", err, apperrors.ErrInvalidTransition)
	}
}

func TestQueue_CountsAndHasPending(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, models.OpCreate, "observation", "rec-1")
	inflight := enqueue(t, q, models.OpUpdate, "message", "rec-2")
	retrying := enqueue(t, q, models.OpUpdate, "message", "rec-3")
	dead := enqueue(t, q, models.OpUpdate, "profile", "rec-4")

	q.MarkInFlight(ctx, inflight.ID)
	claimAndFail(t, q, retrying.ID, true)
	claimAndFail(t, q, dead.ID, false)

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	want := models.QueueCounts{Pending: 1, InFlight: 1, FailedRetryable: 1, FailedTerminal: 1}
	if counts != want {
		t.Errorf("Counts() = %+v, want %+v", counts, want)
	}
	if got := counts.PendingTotal(); got != 2 {
		t.Errorf("PendingTotal() = %d, want 2 (pending + retryable)", got)
	}

	cases := []struct {
		name   string
		models []string
		want   bool
	}{
		{"all models", nil, true},
		{"pending model", []string{"observation"}, true},
		{"retryable model", []string{"message"}, true},
		{"terminal only", []string{"profile"}, false},
		{"unknown model", []string{"media"}, false},
		{"mixed", []string{"media", "observation"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			has, err := q.HasPending(ctx, tc.models...)
			if err != nil {
				t.Fatalf("HasPending(%v) error = %v", tc.models, err)
			}
			if has != tc.want {
				t.Errorf("HasPending(%v) = %v, want %v", tc.models, has, tc.want)
			}
		})
	}
}

func TestQueue_NextRetryAt(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	early := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	late := enqueue(t, q, models.OpUpdate, "observation", "rec-2")
	claimAndFail(t, q, early.ID, true) // retry in 2s
	clk.advance(time.Second)
	claimAndFail(t, q, late.ID, true) // retry in 3s from start

	got, err := q.NextRetryAt(ctx)
	if err != nil {
		t.Fatalf("NextRetryAt() error = %v", err)
	}
	wantEarly := clk.t.Add(time.Second).UnixMilli()
	if got != wantEarly {
		t.Errorf("NextRetryAt() = %d, want %d (the earlier retry)", got, wantEarly)
	}

	clk.advance(time.Hour)
	got, err = q.NextRetryAt(ctx)
	if err != nil {
		t.Fatalf("NextRetryAt() error = %v", err)
	}
	if got != 0 {
		t.Errorf("NextRetryAt() = %d, want 0 once all backoffs expired", got)
	}
}

func TestQueue_ResolvePendingInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, models.OpCreate, "observation", "rec-1")
	b := enqueue(t, q, models.OpUpdate, "message", "rec-2")
	q.MarkInFlight(ctx, a.ID)
	q.MarkInFlight(ctx, b.ID)

	n, err := q.ResolvePendingInFlight(ctx)
	if err != nil {
		t.Fatalf("ResolvePendingInFlight() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ResolvePendingInFlight() = %d, want 2", n)
	}
	for _, id := range []models.UUID{a.ID, b.ID} {
		op, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if op.Status != models.StatusPending {
			t.Errorf("op %s status = %q, want pending", id, op.Status)
		}
		if op.RetryCount != 0 {
			t.Errorf("op %s RetryCount = %d, want 0; recovery is not a retry", id, op.RetryCount)
		}
	}
}

func TestQueue_ReapplyPriorities(t *testing.T) {
	q, _, cfg := newTestQueue(t)
	ctx := context.Background()

	op := enqueue(t, q, models.OpUpdate, "observation", "rec-1")
	dead := enqueue(t, q, models.OpUpdate, "observation", "rec-2")
	claimAndFail(t, q, dead.ID, false)

	cfg.Sync.Priorities["observation"] = 7

	n, err := q.ReapplyPriorities(ctx)
	if err != nil {
		t.Fatalf("ReapplyPriorities() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ReapplyPriorities() = %d, want 1", n)
	}
	got, _ := q.Get(ctx, op.ID)
	if got.Priority != 7 {
		t.Errorf("priority after reload = %d, want 7", got.Priority)
	}
	deadGot, _ := q.Get(ctx, dead.ID)
	if deadGot.Priority != 1 {
		t.Errorf("terminal op priority = %d, want untouched 1", deadGot.Priority)
	}
}

func TestQueue_SubscribeEvents(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ch, cancel := q.Subscribe(8)
	defer cancel()

	op := enqueue(t, q, models.OpCreate, "observation", "rec-1")

	select {
	case ev := <-ch:
		if ev.Kind != models.EventEnqueued {
			t.Errorf("event kind = %q, want %q", ev.Kind, models.EventEnqueued)
		}
		if ev.Operation == nil || ev.Operation.ID != op.ID {
			t.Error("event missing the enqueued operation")
		}
		if ev.Counts.Pending != 1 {
			t.Errorf("event counts.Pending = %d, want 1", ev.Counts.Pending)
		}
	default:
		t.Fatal("no event delivered for enqueue")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	limit := 30 * time.Second
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},  // 32s capped
		{30, 30 * time.Second}, // far past the cap, no overflow
	}
	for _, tt := range tests {
		if got := backoffDelay(base, limit, tt.retry); got != tt.want {
			t.Errorf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
