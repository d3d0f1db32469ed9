package conflict

import (
	"time"

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/uuid"
)

// Resolution actions.
const (
	ActionApply  = "apply"
	ActionReject = "reject"
)

// ServerState is the server's view of a record carried on a conflict
// response: its current version, last update time, field values, and which
// fields changed since the client branched. An empty ChangedFields means
// the server could not say, which rules out proving disjointness.
type ServerState struct {
	Version       int64
	UpdatedAt     int64 // unix milliseconds
	Data          map[string]any
	ChangedFields []string
}

// Resolution is the outcome of settling one conflict. For ActionApply the
// engine replays the mutation with Data against BaseVersion; for
// ActionReject the operation fails terminally.
type Resolution struct {
	Action      string
	Data        map[string]any
	BaseVersion int64
	Merged      bool // server's disjoint changes were preserved field-by-field
	Log         *models.ConflictLog
}

// Resolver settles conflicts per the configured per-model policy.
type Resolver struct {
	mode func(model string) string
	now  func() time.Time
}

// NewResolver creates a Resolver. mode maps a model name to its conflict
// mode and is consulted per conflict so config reloads take effect
// immediately.
func NewResolver(mode func(model string) string) *Resolver {
	return &Resolver{
		mode: mode,
		now:  time.Now,
	}
}

// Resolve settles a conflict between a queued operation and current server
// state. Last-write-wins overlays the client's fields on the server record
// so untouched fields keep their server values; when the server's changed
// fields are disjoint from the client's, that same overlay preserves both
// sides and the resolution is recorded as a field merge. Reject mode never
// applies anything.
func (r *Resolver) Resolve(op *models.SyncOperation, server *ServerState) (*Resolution, error) {
	if op == nil || server == nil {
		return nil, ErrInvalidConflict
	}

	logging.Warn("concurrent edit conflict detected",
		zap.String("operation_id", op.ID.String()),
		zap.String("model", op.Model),
		zap.String("record_id", op.RecordID),
		zap.Int64("local_timestamp", op.CreatedAt),
		zap.Int64("remote_timestamp", server.UpdatedAt),
		zap.Int64("server_version", server.Version))

	if r.mode(op.Model) == config.ModeReject {
		return &Resolution{
			Action: ActionReject,
			Log:    r.logEntry(op, server, models.ResolutionRejected),
		}, nil
	}

	merged := server.Data
	if merged == nil {
		merged = map[string]any{}
	} else {
		cp := make(map[string]any, len(merged)+len(op.Data))
		for k, v := range merged {
			cp[k] = v
		}
		merged = cp
	}
	for k, v := range op.Data {
		merged[k] = v
	}

	disjoint := len(server.ChangedFields) > 0 && !overlaps(server.ChangedFields, op.Data)
	resolution := models.ResolutionLastWriteWins
	if disjoint {
		resolution = models.ResolutionFieldMerge
	}

	logging.Info("conflict resolved",
		zap.String("operation_id", op.ID.String()),
		zap.String("resolution", resolution),
		zap.Bool("disjoint_fields", disjoint))

	return &Resolution{
		Action:      ActionApply,
		Data:        merged,
		BaseVersion: server.Version,
		Merged:      disjoint,
		Log:         r.logEntry(op, server, resolution),
	}, nil
}

func (r *Resolver) logEntry(op *models.SyncOperation, server *ServerState, resolution string) *models.ConflictLog {
	return &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		OperationID:     op.ID,
		Model:           op.Model,
		RecordID:        op.RecordID,
		LocalTimestamp:  op.CreatedAt,
		RemoteTimestamp: server.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      r.now().UnixMilli(),
	}
}

func overlaps(changed []string, data map[string]any) bool {
	for _, f := range changed {
		if _, ok := data[f]; ok {
			return true
		}
	}
	return false
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: operation and server state must be non-nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
