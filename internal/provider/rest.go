package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// RESTProvider implements Provider over a custodian's JSON API. The engine
// runs one instance per custodian, pointed at that custodian's base URL.
type RESTProvider struct {
	name    model.Processor
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewRESTProvider constructs a provider client.
func NewRESTProvider(name model.Processor, baseURL string) *RESTProvider {
	return &RESTProvider{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// CreateTransaction registers a transfer with the custodian.
func (p *RESTProvider) CreateTransaction(ctx context.Context, token, address string, tx model.ExternalTransaction) (string, error) {
	if TokenExpired(token, p.now()) {
		return "", errs.ErrExpiredToken
	}
	body := map[string]any{
		"destination": tx.Destination,
		"amount":      tx.Amount,
		"reference":   tx.ContributionID,
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := p.do(ctx, http.MethodPost, fmt.Sprintf("/v0/accounts/%s/transactions", address), token, body, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%s returned empty transaction id: %w", p.name, errs.ErrFailed)
	}
	return resp.ID, nil
}

// CommitTransaction executes a created transfer.
func (p *RESTProvider) CommitTransaction(ctx context.Context, token, address, transactionID string) error {
	if TokenExpired(token, p.now()) {
		return errs.ErrExpiredToken
	}
	path := fmt.Sprintf("/v0/accounts/%s/transactions/%s/commit", address, transactionID)
	return p.do(ctx, http.MethodPost, path, token, nil, nil)
}

// GetTransactionStatus polls a committed transfer.
func (p *RESTProvider) GetTransactionStatus(ctx context.Context, token, transactionID string) error {
	if TokenExpired(token, p.now()) {
		return errs.ErrExpiredToken
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodGet, "/v0/transactions/"+transactionID, token, nil, &resp); err != nil {
		return err
	}
	switch resp.Status {
	case "completed":
		return nil
	case "pending", "processing":
		return errs.ErrRetryPending
	default:
		return fmt.Errorf("%s transaction %s status %q: %w", p.name, transactionID, resp.Status, errs.ErrFailed)
	}
}

// FetchBalance returns the wallet's available balance.
func (p *RESTProvider) FetchBalance(ctx context.Context, token, address string) (float64, error) {
	if TokenExpired(token, p.now()) {
		return 0, errs.ErrExpiredToken
	}
	var resp struct {
		Available float64 `json:"available"`
	}
	if err := p.do(ctx, http.MethodGet, "/v0/accounts/"+address, token, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Available, nil
}

func (p *RESTProvider) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %v: %w", p.name, method, path, err, errs.ErrRetry)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.ErrExpiredToken
	case resp.StatusCode == http.StatusAccepted:
		return errs.ErrRetryPending
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s %s: status %d: %w", p.name, method, path, resp.StatusCode, errs.ErrRetry)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s %s: status %d: %w", p.name, method, path, resp.StatusCode, errs.ErrFailed)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s %s: decode: %v: %w", p.name, method, path, err, errs.ErrFailed)
		}
	}
	return nil
}
