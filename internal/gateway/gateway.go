// Package gateway applies queued mutations against the backend API and
// classifies failures as retryable or terminal.
package gateway

import (
	"context"
	"fmt"

	"github.com/caregohq/carego-sync/internal/conflict"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// Gateway sends a single operation to the server. baseVersion carries the
// record version the payload was resolved against; zero means none known.
type Gateway interface {
	Apply(ctx context.Context, op *models.SyncOperation, baseVersion int64) (*models.AppliedRecord, error)
}

// Error is a classified gateway failure. Retryable failures keep the
// operation queued; terminal ones park it until the user intervenes.
type Error struct {
	Code       apperrors.ErrorCode
	StatusCode int
	Message    string
	Retryable  bool

	// Server is populated on conflict responses so the resolver can
	// merge against the authoritative record.
	Server *conflict.ServerState
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// AsError extracts a gateway error, or wraps err into a retryable network
// failure so callers always see classified errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return &Error{
		Code:      apperrors.ErrNetwork,
		Message:   err.Error(),
		Retryable: true,
	}
}

// IsConflict reports whether err is a conflict response carrying server
// state.
func IsConflict(err error) bool {
	ge, ok := err.(*Error)
	return ok && ge.Code == apperrors.ErrConflictDetected
}
