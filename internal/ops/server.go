// Package ops exposes the engine's operational HTTP surface: health,
// spendable balance, contribution status and a manual retry kick.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/repository"
)

// Dispatcher kicks a contribution back into reconciliation.
type Dispatcher interface {
	Dispatch(id string)
}

// Server is the ops HTTP server.
type Server struct {
	contribs repository.ContributionRepository
	tokens   repository.TokenRepository
	dispatch Dispatcher
	log      *zap.Logger
	http     *http.Server
}

// New constructs the ops server on the given address.
func New(addr string, contribs repository.ContributionRepository, tokens repository.TokenRepository, dispatch Dispatcher, log *zap.Logger) *Server {
	s := &Server{
		contribs: contribs,
		tokens:   tokens,
		dispatch: dispatch,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(Recover(log))
	r.Use(Logging(log))
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/balance", s.handleBalance)
	r.Get("/v1/contributions/{id}", s.handleContribution)
	r.Post("/v1/contributions/{id}/retry", s.handleRetry)

	s.http = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.tokens.SpendableBalance(r.Context(), time.Now())
	if err != nil {
		s.log.Error("balance", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	c, err := s.contribs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		s.log.Error("get contribution", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, contributionView(c))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.contribs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		s.log.Error("get contribution", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if c.Step.Terminal() && c.Step != model.StepFailed && c.Step != model.StepRetryLimitExceeded {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not retryable", "step": string(c.Step)})
		return
	}
	s.dispatch.Dispatch(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

type contributionResponse struct {
	ID         string          `json:"id"`
	Amount     float64         `json:"amount"`
	Kind       string          `json:"kind"`
	Step       string          `json:"step"`
	RetryCount int32           `json:"retryCount"`
	Processor  string          `json:"processor"`
	Publishers []publisherView `json:"publishers"`
}

type publisherView struct {
	PublisherKey      string  `json:"publisherKey"`
	TotalAmount       float64 `json:"totalAmount"`
	ContributedAmount float64 `json:"contributedAmount"`
}

func contributionView(c *model.Contribution) contributionResponse {
	out := contributionResponse{
		ID:         c.ID,
		Amount:     c.Amount,
		Kind:       string(c.Kind),
		Step:       string(c.Step),
		RetryCount: c.RetryCount,
		Processor:  string(c.Processor),
		Publishers: []publisherView{},
	}
	for _, p := range c.Publishers {
		out.Publishers = append(out.Publishers, publisherView{
			PublisherKey:      p.PublisherKey,
			TotalAmount:       p.TotalAmount,
			ContributedAmount: p.ContributedAmount,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
