package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/conflict"
	apperrors "github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/models"
)

// TokenSource supplies a bearer token per request. Nil or empty results
// send the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// HTTPGateway posts mutations to the backend sync endpoint.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// mutationRequest is the wire form of one operation.
type mutationRequest struct {
	Operation       string         `json:"operation"`
	Model           string         `json:"model"`
	RecordID        string         `json:"record_id"`
	Data            map[string]any `json:"data,omitempty"`
	BaseVersion     int64          `json:"base_version,omitempty"`
	ClientTimestamp int64          `json:"client_timestamp"`
}

// mutationResponse is the success envelope.
type mutationResponse struct {
	RecordID  string         `json:"record_id"`
	Version   int64          `json:"version"`
	UpdatedAt int64          `json:"updated_at"`
	Data      map[string]any `json:"data"`
}

// errorResponse is the failure envelope. Conflict responses attach the
// authoritative server record.
type errorResponse struct {
	Message string `json:"message"`
	Server  *struct {
		Version       int64          `json:"version"`
		UpdatedAt     int64          `json:"updated_at"`
		Data          map[string]any `json:"data"`
		ChangedFields []string       `json:"changed_fields"`
	} `json:"server,omitempty"`
}

// NewHTTPGateway builds a gateway client from config. tokens may be nil.
func NewHTTPGateway(cfg config.GatewayConfig, tokens TokenSource) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		tokens: tokens,
	}
}

// Apply sends one operation. The operation id travels as the idempotency
// key so server-side retries of the same attempt collapse into one write.
func (g *HTTPGateway) Apply(ctx context.Context, op *models.SyncOperation, baseVersion int64) (*models.AppliedRecord, error) {
	payload := mutationRequest{
		Operation:       op.Type,
		Model:           op.Model,
		RecordID:        op.RecordID,
		Data:            op.Data,
		BaseVersion:     baseVersion,
		ClientTimestamp: op.CreatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{
			Code:    apperrors.ErrServerRejection,
			Message: fmt.Sprintf("encode mutation: %v", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{
			Code:    apperrors.ErrServerRejection,
			Message: fmt.Sprintf("build request: %v", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", string(op.ID))
	if g.tokens != nil {
		token, err := g.tokens(ctx)
		if err != nil {
			return nil, &Error{
				Code:      apperrors.ErrNetwork,
				Message:   fmt.Sprintf("token source: %v", err),
				Retryable: true,
			}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections and canceled contexts all land
		// here; none of them prove the server rejected the mutation.
		return nil, &Error{
			Code:      apperrors.ErrNetwork,
			Message:   fmt.Sprintf("mutation request failed: %v", err),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	return g.decode(op, resp)
}

func (g *HTTPGateway) decode(op *models.SyncOperation, resp *http.Response) (*models.AppliedRecord, error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out mutationResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, &Error{
				Code:       apperrors.ErrNetwork,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("decode response: %v", err),
				Retryable:  true,
			}
		}
		if out.RecordID == "" {
			out.RecordID = op.RecordID
		}
		return &models.AppliedRecord{
			RecordID:  out.RecordID,
			Version:   out.Version,
			UpdatedAt: out.UpdatedAt,
			Data:      out.Data,
		}, nil

	case resp.StatusCode == http.StatusNoContent:
		// Deletes may come back empty.
		return &models.AppliedRecord{RecordID: op.RecordID}, nil

	case resp.StatusCode == http.StatusConflict:
		fail := readErrorBody(resp.Body)
		ge := &Error{
			Code:       apperrors.ErrConflictDetected,
			StatusCode: resp.StatusCode,
			Message:    fail.Message,
		}
		if fail.Server != nil {
			ge.Server = &conflict.ServerState{
				Version:       fail.Server.Version,
				UpdatedAt:     fail.Server.UpdatedAt,
				Data:          fail.Server.Data,
				ChangedFields: fail.Server.ChangedFields,
			}
		}
		return nil, ge

	case resp.StatusCode == http.StatusTooManyRequests:
		fail := readErrorBody(resp.Body)
		return nil, &Error{
			Code:       apperrors.ErrRateLimited,
			StatusCode: resp.StatusCode,
			Message:    orDefault(fail.Message, "rate limited"),
			Retryable:  true,
		}

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.Warn("server error on mutation",
			zap.Int("status", resp.StatusCode),
			zap.String("operation_id", string(op.ID)))
		return nil, &Error{
			Code:       apperrors.ErrNetwork,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server error: %s", strings.TrimSpace(string(body))),
			Retryable:  true,
		}

	default:
		// Remaining 4xx: the request itself is bad, retrying cannot help.
		fail := readErrorBody(resp.Body)
		return nil, &Error{
			Code:       apperrors.ErrServerRejection,
			StatusCode: resp.StatusCode,
			Message:    orDefault(fail.Message, http.StatusText(resp.StatusCode)),
		}
	}
}

func readErrorBody(r io.Reader) errorResponse {
	var out errorResponse
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
