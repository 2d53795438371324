package paymentd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yieldrails/core/types"
	"yieldrails/engine"
)

// Server exposes the engine command and query surface over HTTP.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	router chi.Router
}

// NewServer wires the HTTP routes against the engine.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/payments", s.handleCreatePayment)
		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/release", s.handleReleasePayment)
		r.Post("/payments/{id}/cancel", s.handleCancelPayment)
		r.Get("/strategies/health", s.handleStrategyHealth)
		r.Post("/admin/settlement/pause", s.handlePauseSettlement)
		r.Post("/admin/settlement/resume", s.handleResumeSettlement)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createPaymentRequest struct {
	User             string `json:"user"`
	Merchant         string `json:"merchant"`
	Principal        string `json:"principal"`
	Currency         string `json:"currency"`
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Strategy         string `json:"strategy"`
	ClientToken      string `json:"clientToken"`
}

type createPaymentResponse struct {
	PaymentID string `json:"paymentId"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	principal, ok := new(big.Int).SetString(req.Principal, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "principal must be a base-10 micro-unit amount")
		return
	}
	id, err := s.engine.CreatePayment(r.Context(), engine.CreatePaymentCmd{
		User:             req.User,
		Merchant:         req.Merchant,
		Principal:        principal,
		Currency:         req.Currency,
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		StrategyID:       req.Strategy,
		ClientToken:      req.ClientToken,
	})
	if err != nil {
		if errors.Is(err, engine.ErrDuplicate) && id != "" {
			writeJSON(w, http.StatusOK, createPaymentResponse{PaymentID: id})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createPaymentResponse{PaymentID: id})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	payment, liveAccrued, err := s.engine.GetPayment(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(payment, liveAccrued))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	page, cursor, err := s.engine.ListPayments(engine.ListFilter{
		Status: r.URL.Query().Get("status"),
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	items := make([]paymentView, 0, len(page))
	for _, p := range page {
		items = append(items, renderPayment(p, p.AccruedYield))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payments":   items,
		"nextCursor": cursor,
	})
}

type callerRequest struct {
	Caller      string `json:"caller"`
	ClientToken string `json:"clientToken"`
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payment, err := s.engine.ReleasePayment(r.Context(), id, req.Caller, req.ClientToken)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(payment, payment.AccruedYield))
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.CancelPayment(r.Context(), id, req.Caller, req.ClientToken); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStrategyHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.StrategyHealthReport()
	items := make([]map[string]any, 0, len(report))
	for _, entry := range report {
		items = append(items, map[string]any{
			"strategy":   entry.StrategyID,
			"healthy":    entry.Healthy,
			"apyBps":     entry.APYBps,
			"observedAt": entry.ObservedAt,
			"ageSeconds": int64(entry.Age / time.Second),
			"latencyMs":  entry.Latency.Milliseconds(),
			"breaker":    entry.Breaker,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": items})
}

func (s *Server) handlePauseSettlement(w http.ResponseWriter, r *http.Request) {
	s.engine.PauseSettlement()
	s.logger.Warn("settlement paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSettlement(w http.ResponseWriter, r *http.Request) {
	s.engine.ResumeSettlement()
	s.logger.Info("settlement resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// paymentView is the JSON rendering of a payment snapshot. Monetary amounts
// are base-10 micro-unit strings.
type paymentView struct {
	ID               string     `json:"id"`
	User             string     `json:"user"`
	Merchant         string     `json:"merchant"`
	Principal        string     `json:"principal"`
	Currency         string     `json:"currency"`
	SourceChain      string     `json:"sourceChain"`
	DestinationChain string     `json:"destinationChain"`
	Strategy         string     `json:"strategy"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	ActivatedAt      *time.Time `json:"activatedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	TerminatedAt     *time.Time `json:"terminatedAt,omitempty"`
	AccruedYield     string     `json:"accruedYield"`
	APYBps           int64      `json:"apyBps"`
	Distribution     *distView  `json:"distribution,omitempty"`
	EscrowRef        string     `json:"escrowRef,omitempty"`
	BridgeRef        string     `json:"bridgeRef,omitempty"`
	SettlementTx     string     `json:"settlementTx,omitempty"`
	RefundTx         string     `json:"refundTx,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
}

type distView struct {
	User     string `json:"user"`
	Merchant string `json:"merchant"`
	Protocol string `json:"protocol"`
}

func renderPayment(p *types.Payment, liveAccrued *big.Int) paymentView {
	view := paymentView{
		ID:               p.ID,
		User:             p.User,
		Merchant:         p.Merchant,
		Principal:        amountString(p.Principal),
		Currency:         p.Currency,
		SourceChain:      p.SourceChain,
		DestinationChain: p.DestinationChain,
		Strategy:         p.StrategyID,
		Status:           p.Status.String(),
		CreatedAt:        p.CreatedAt,
		AccruedYield:     amountString(liveAccrued),
		APYBps:           p.LastAPYBps,
		EscrowRef:        p.EscrowRef,
		BridgeRef:        p.BridgeRef,
		SettlementTx:     p.SettlementTxRef,
		RefundTx:         p.RefundTxRef,
		FailureReason:    p.FailureReason,
	}
	if !p.ActivatedAt.IsZero() {
		at := p.ActivatedAt
		view.ActivatedAt = &at
	}
	if !p.ReleasedAt.IsZero() {
		at := p.ReleasedAt
		view.ReleasedAt = &at
	}
	if !p.TerminatedAt.IsZero() {
		at := p.TerminatedAt
		view.TerminatedAt = &at
	}
	if p.Distribution != nil {
		view.Distribution = &distView{
			User:     amountString(p.Distribution.UserYield),
			Merchant: amountString(p.Distribution.MerchantYield),
			Protocol: amountString(p.Distribution.ProtocolYield),
		}
	}
	return view
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrComplianceRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrOverloaded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrAdapterUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
