// Package issuerclient talks to the token issuing server: claiming blinded
// tokens, fetching signed batches, redeeming spent tokens.
package issuerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/and161185/token-ledger/internal/blindsig"
	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// SignedBatch is the issuer's response for a completed claim.
type SignedBatch struct {
	SignedTokens []string `json:"signedCreds"`
	BatchProof   string   `json:"batchProof"`
	PublicKey    string   `json:"publicKey"`
}

// PromotionAnnouncement is one grant the issuer currently offers.
type PromotionAnnouncement struct {
	ID               string    `json:"id"`
	Kind             string    `json:"type"`
	Suggestions      uint32    `json:"suggestionsPerGrant"`
	ApproximateValue float64   `json:"approximateValue"`
	ExpiresAt        time.Time `json:"expiresAt"`
	PublicKeys       []string  `json:"publicKeys"`
}

// Client is the issuer RPC surface used by the credential issuer and the
// reconciliation orchestrator.
type Client interface {
	// FetchPromotions lists the grants the issuer currently announces.
	FetchPromotions(ctx context.Context) ([]PromotionAnnouncement, error)

	// ClaimBlindedTokens submits blinded tokens for a trigger and returns
	// the issuer-assigned claim id.
	ClaimBlindedTokens(ctx context.Context, trigger model.Trigger, blinded []string) (string, error)

	// FetchSignedTokens polls for the signed batch of a claim. Returns
	// errs.ErrRetryShort while the issuer is still signing.
	FetchSignedTokens(ctx context.Context, trigger model.Trigger, claimID string) (*SignedBatch, error)

	// RedeemTokens spends credentials against a publisher.
	RedeemTokens(ctx context.Context, trigger model.Trigger, creds []blindsig.RedemptionCredential, publisherKey string) error

	// ReportCorruptedClaims tells the issuer which claims failed local
	// verification so they can be excluded server-side.
	ReportCorruptedClaims(ctx context.Context, claimIDs []string) error
}

// HTTPClient implements Client over the issuer's JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs an issuer client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchPromotions lists the grants the issuer currently announces.
func (c *HTTPClient) FetchPromotions(ctx context.Context) ([]PromotionAnnouncement, error) {
	var resp struct {
		Promotions []PromotionAnnouncement `json:"promotions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/promotions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Promotions, nil
}

// ClaimBlindedTokens submits the blinded tokens for a trigger.
func (c *HTTPClient) ClaimBlindedTokens(ctx context.Context, trigger model.Trigger, blinded []string) (string, error) {
	body := map[string]any{"blindedCreds": blinded}
	if len(trigger.Data) > 0 {
		body["data"] = trigger.Data
	}
	var resp struct {
		ClaimID string `json:"claimId"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/triggers/%s/%s/claims", trigger.Kind, trigger.ID), body, &resp)
	if err != nil {
		return "", err
	}
	if resp.ClaimID == "" {
		return "", fmt.Errorf("issuer returned empty claim id: %w", errs.ErrFailed)
	}
	return resp.ClaimID, nil
}

// FetchSignedTokens polls for the signed batch of a claim.
func (c *HTTPClient) FetchSignedTokens(ctx context.Context, trigger model.Trigger, claimID string) (*SignedBatch, error) {
	var resp SignedBatch
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/v1/triggers/%s/%s/claims/%s", trigger.Kind, trigger.ID, claimID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RedeemTokens spends credentials against a publisher.
func (c *HTTPClient) RedeemTokens(ctx context.Context, trigger model.Trigger, creds []blindsig.RedemptionCredential, publisherKey string) error {
	body := map[string]any{
		"credentials": creds,
		"publisher":   publisherKey,
		"type":        trigger.Kind,
	}
	return c.do(ctx, http.MethodPost, "/v1/redemptions", body, nil)
}

// ReportCorruptedClaims reports claims that failed local verification.
func (c *HTTPClient) ReportCorruptedClaims(ctx context.Context, claimIDs []string) error {
	body := map[string]any{"claimIds": claimIDs}
	return c.do(ctx, http.MethodPost, "/v1/claims/report-corrupted", body, nil)
}

// do runs one JSON round trip and maps HTTP status to the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("issuer %s %s: %v: %w", method, path, err, errs.ErrRetry)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// claim accepted but not signed yet
		return errs.ErrRetryShort
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.ErrRetryShort
	case resp.StatusCode >= 500:
		return fmt.Errorf("issuer %s %s: status %d: %w", method, path, resp.StatusCode, errs.ErrRetry)
	case resp.StatusCode >= 400:
		return fmt.Errorf("issuer %s %s: status %d: %w", method, path, resp.StatusCode, errs.ErrFailed)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("issuer %s %s: decode: %v: %w", method, path, err, errs.ErrFailed)
		}
	}
	return nil
}
