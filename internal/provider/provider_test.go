package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

func signedJWT(t *testing.T, exp *time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{}
	if exp != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*exp)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if !TokenExpired(signedJWT(t, &past), now) {
		t.Fatalf("past exp must report expired")
	}
	if TokenExpired(signedJWT(t, &future), now) {
		t.Fatalf("future exp must not report expired")
	}
	if TokenExpired(signedJWT(t, nil), now) {
		t.Fatalf("missing exp claim is left for the provider to judge")
	}
	if TokenExpired("opaque-session-token", now) {
		t.Fatalf("non-JWT tokens are left for the provider to judge")
	}
}

func TestRESTProvider_CreateTransaction_OK(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "tx-1"})
	}))
	defer srv.Close()

	p := NewRESTProvider(model.ProcessorUphold, srv.URL)
	id, err := p.CreateTransaction(context.Background(), "token", "acct-1", model.ExternalTransaction{
		ContributionID: "c1",
		Destination:    "dest",
		Amount:         5,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if id != "tx-1" {
		t.Fatalf("want tx-1, got %q", id)
	}
	if gotPath != "/v0/accounts/acct-1/transactions" {
		t.Fatalf("path %q", gotPath)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("auth %q", gotAuth)
	}
	if gotBody["destination"] != "dest" || gotBody["reference"] != "c1" {
		t.Fatalf("body %v", gotBody)
	}
}

func TestRESTProvider_CreateTransaction_EmptyID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	p := NewRESTProvider(model.ProcessorUphold, srv.URL)
	_, err := p.CreateTransaction(context.Background(), "token", "acct-1", model.ExternalTransaction{})
	if !errors.Is(err, errs.ErrFailed) {
		t.Fatalf("want ErrFailed on empty id, got %v", err)
	}
}

func TestRESTProvider_StatusTaxonomy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, errs.ErrExpiredToken},
		{"accepted", http.StatusAccepted, errs.ErrRetryPending},
		{"server error", http.StatusBadGateway, errs.ErrRetry},
		{"client error", http.StatusUnprocessableEntity, errs.ErrFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := NewRESTProvider(model.ProcessorGemini, srv.URL)
			err := p.CommitTransaction(context.Background(), "token", "acct-1", "tx-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: want %v, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestRESTProvider_GetTransactionStatus(t *testing.T) {
	t.Parallel()
	status := "pending"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()
	p := NewRESTProvider(model.ProcessorUphold, srv.URL)
	ctx := context.Background()

	if err := p.GetTransactionStatus(ctx, "token", "tx-1"); !errors.Is(err, errs.ErrRetryPending) {
		t.Fatalf("pending: want ErrRetryPending, got %v", err)
	}
	status = "completed"
	if err := p.GetTransactionStatus(ctx, "token", "tx-1"); err != nil {
		t.Fatalf("completed: %v", err)
	}
	status = "failed"
	if err := p.GetTransactionStatus(ctx, "token", "tx-1"); !errors.Is(err, errs.ErrFailed) {
		t.Fatalf("failed: want ErrFailed, got %v", err)
	}
}

func TestRESTProvider_ExpiredTokenFailsFast(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer srv.Close()

	past := time.Now().Add(-time.Hour)
	p := NewRESTProvider(model.ProcessorUphold, srv.URL)
	err := p.CommitTransaction(context.Background(), signedJWT(t, &past), "acct-1", "tx-1")
	if !errors.Is(err, errs.ErrExpiredToken) {
		t.Fatalf("want ErrExpiredToken, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expired token must not reach the network, got %d calls", calls)
	}
}

func TestRESTProvider_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	p := NewRESTProvider(model.ProcessorBitflyer, srv.URL)
	err := p.CommitTransaction(context.Background(), "token", "acct-1", "tx-1")
	if !errors.Is(err, errs.ErrRetry) {
		t.Fatalf("want ErrRetry on network failure, got %v", err)
	}
}

func TestMemoryWalletStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryWalletStore(&Wallet{Processor: model.ProcessorUphold, AccessToken: "tok", Address: "a", Linked: true})
	ctx := context.Background()

	w, err := store.Get(ctx, model.ProcessorUphold)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Address != "a" {
		t.Fatalf("wallet %+v", w)
	}
	if _, err := store.Get(ctx, model.ProcessorGemini); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unlinked processor: want ErrNotFound, got %v", err)
	}

	if err := store.MarkDisconnected(ctx, model.ProcessorUphold); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	if _, err := store.Get(ctx, model.ProcessorUphold); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("disconnected wallet must be gone, got %v", err)
	}
}
