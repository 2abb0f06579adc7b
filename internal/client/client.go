// Package client is the device-side HTTP transport to the transfer ledger.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/models"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// Client talks to the ledger API. Application rejections come back as the
// domain sentinel errors; anything that never reached an application answer
// is a *domain.TransportError.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "ledger-client")),
	}
}

// CreateTransfer logs a sender entry on the ledger. An idempotent replay
// returns the stored record with a nil error; a conflicting record under the
// same ID returns domain.ErrAlreadyExists. Both mean the entry is on the ledger.
func (c *Client) CreateTransfer(ctx context.Context, e domain.SenderEntry) (domain.TransferRecord, error) {
	req := models.CreateTransferRequest{
		ID:          e.TransferID,
		SenderID:    e.SenderID,
		RecipientID: e.RecipientID,
		Amount:      e.Amount,
		CreatedAt:   e.CreatedAt,
	}
	var resp models.TransferResponse
	if err := c.do(ctx, "create", http.MethodPost, "/api/v1/transfers", req, &resp); err != nil {
		return domain.TransferRecord{}, err
	}
	return resp.Transfer, nil
}

func (c *Client) ClaimTransfer(ctx context.Context, transferID, claimantID string) (domain.TransferRecord, error) {
	var resp models.TransferResponse
	path := "/api/v1/transfers/" + url.PathEscape(transferID) + "/claim"
	if err := c.do(ctx, "claim", http.MethodPost, path, models.ClaimRequest{ClaimantID: claimantID}, &resp); err != nil {
		return domain.TransferRecord{}, err
	}
	return resp.Transfer, nil
}

func (c *Client) CancelTransfer(ctx context.Context, transferID, requesterID string) (domain.TransferRecord, error) {
	var resp models.TransferResponse
	path := "/api/v1/transfers/" + url.PathEscape(transferID) + "/cancel"
	if err := c.do(ctx, "cancel", http.MethodPost, path, models.CancelRequest{RequesterID: requesterID}, &resp); err != nil {
		return domain.TransferRecord{}, err
	}
	return resp.Transfer, nil
}

func (c *Client) GetTransfer(ctx context.Context, transferID string) (domain.TransferRecord, error) {
	var resp models.TransferResponse
	if err := c.do(ctx, "get", http.MethodGet, "/api/v1/transfers/"+url.PathEscape(transferID), nil, &resp); err != nil {
		return domain.TransferRecord{}, err
	}
	return resp.Transfer, nil
}

// ListTransfersForUser returns every record the user sent or received.
func (c *Client) ListTransfersForUser(ctx context.Context, userID string) ([]domain.TransferRecord, error) {
	var resp models.TransferListResponse
	if err := c.do(ctx, "list", http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/transfers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transfers, nil
}

// Ping checks the ledger health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &domain.TransportError{
			Op:  op,
			Err: fmt.Errorf("server error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return c.rejection(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// rejection turns a 4xx answer into the matching sentinel.
func (c *Client) rejection(op string, resp *http.Response) error {
	var e models.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e); err != nil {
		return fmt.Errorf("ledger %s: unexpected status %d", op, resp.StatusCode)
	}
	if sentinel := domain.ErrorForReason(e.Reason); sentinel != nil {
		return fmt.Errorf("ledger %s: %w", op, sentinel)
	}
	c.logger.Warn("ledger refused request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("reason", string(e.Reason)),
		zap.String("error", e.Error))
	return fmt.Errorf("ledger %s: %w", op, &RequestError{Status: resp.StatusCode, Reason: e.Reason, Message: e.Error})
}

// RequestError is a 4xx answer without a ledger rejection code, typically a
// validation failure. It is not retryable.
type RequestError struct {
	Status  int
	Reason  domain.Reason
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("status %d (%s): %s", e.Status, e.Reason, e.Message)
}

// IsRequestError reports whether err carries a RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
