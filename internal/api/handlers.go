// Package api exposes the sync core to UI shells over a local HTTP bridge:
// REST endpoints for queue management and flushing, a websocket stream of
// queue events, and Prometheus metrics.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/caregohq/carego-sync/internal/engine"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/metrics"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/network"
	"github.com/caregohq/carego-sync/internal/queue"
	"github.com/caregohq/carego-sync/internal/uuid"
)

// Handler serves the REST surface of the bridge.
type Handler struct {
	queue    *queue.Queue
	engine   *engine.Engine
	monitor  *network.Monitor
	observer metrics.Observer
}

// NewHandler creates the bridge handler. observer may be nil.
func NewHandler(q *queue.Queue, eng *engine.Engine, mon *network.Monitor, observer metrics.Observer) *Handler {
	if observer == nil {
		observer = metrics.Noop()
	}
	return &Handler{
		queue:    q,
		engine:   eng,
		monitor:  mon,
		observer: observer,
	}
}

// EnqueueOperation appends a mutation to the offline queue.
func (h *Handler) EnqueueOperation(c *gin.Context) {
	var in models.NewOperation
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": string(apperrors.ErrInvalidOperation)})
		return
	}

	op, err := h.queue.Enqueue(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	h.observer.RecordEnqueue(op.Model)
	c.JSON(http.StatusCreated, op)
}

// ListOperations returns queued operations in dispatch order, optionally
// filtered by model, record id, and status.
func (h *Handler) ListOperations(c *gin.Context) {
	f := queue.Filter{
		Model:    c.Query("model"),
		RecordID: c.Query("record_id"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !models.ValidStatus(s) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + s, "code": string(apperrors.ErrInvalidOperation)})
				return
			}
			f.Statuses = append(f.Statuses, s)
		}
	}

	ops, err := h.queue.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	c.JSON(http.StatusOK, ops)
}

// GetOperation returns a single queued operation by id.
func (h *Handler) GetOperation(c *gin.Context) {
	id, ok := operationID(c)
	if !ok {
		return
	}
	op, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// QueueCounts returns queue occupancy by status plus the user-visible
// pending total.
func (h *Handler) QueueCounts(c *gin.Context) {
	counts, err := h.queue.Counts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":        counts,
		"pending_total": counts.PendingTotal(),
	})
}

// RemoveOperation discards a single operation. In-flight operations cannot
// be removed.
func (h *Handler) RemoveOperation(c *gin.Context) {
	id, ok := operationID(c)
	if !ok {
		return
	}
	if err := h.queue.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RequeueOperation resubmits a terminally failed operation as a fresh one.
func (h *Handler) RequeueOperation(c *gin.Context) {
	id, ok := operationID(c)
	if !ok {
		return
	}
	op, err := h.queue.Requeue(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, op)
}

// DiscardTerminal drops every terminally failed operation after the user
// has acknowledged them.
func (h *Handler) DiscardTerminal(c *gin.Context) {
	n, err := h.queue.DiscardTerminal(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": n})
}

// TriggerFlush runs one flush pass and returns its report. A pass already
// in progress answers 409; the request is coalesced into the running pass.
func (h *Handler) TriggerFlush(c *gin.Context) {
	report, err := h.engine.Flush(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncStatus returns a snapshot of engine, network, and queue state.
func (h *Handler) SyncStatus(c *gin.Context) {
	st, err := h.engine.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListConflicts returns recently resolved conflicts, newest first.
func (h *Handler) ListConflicts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": string(apperrors.ErrInvalidOperation)})
			return
		}
		limit = n
	}

	logs, err := h.queue.Conflicts(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	c.JSON(http.StatusOK, logs)
}

type networkRequest struct {
	Online  *bool  `json:"online" binding:"required"`
	Quality string `json:"quality"`
}

// SetNetworkStatus lets the host shell push connectivity signals into the
// monitor. Omitting quality keeps the last measured value.
func (h *Handler) SetNetworkStatus(c *gin.Context) {
	var r networkRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online is required", "code": string(apperrors.ErrInvalidOperation)})
		return
	}
	if r.Quality == "" {
		h.monitor.SetOnline(*r.Online)
	} else {
		h.monitor.SetStatus(*r.Online, r.Quality)
	}
	c.JSON(http.StatusOK, h.monitor.Current())
}

// HealthCheck verifies the store is reachable.
func (h *Handler) HealthCheck(c *gin.Context) {
	if _, err := h.queue.Counts(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// operationID validates the :id path parameter. On failure it writes the
// response itself and returns ok=false.
func operationID(c *gin.Context) (models.UUID, bool) {
	raw := c.Param("id")
	if err := uuid.Validate(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id", "code": string(apperrors.ErrInvalidOperation)})
		return "", false
	}
	return models.UUID(raw), true
}

// respondError maps the error code taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	c.JSON(httpStatus(code), gin.H{"error": errorMessage(err), "code": string(code)})
}

func httpStatus(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalidOperation:
		return http.StatusBadRequest
	case apperrors.ErrInvalidTransition, apperrors.ErrBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
