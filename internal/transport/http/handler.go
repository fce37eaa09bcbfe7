package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

const maxBodyBytes = 16 << 10

type Handler struct {
	svc    service.LedgerService
	logger *zap.Logger
}

func NewHandler(svc service.LedgerService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/accounts/{account_id}/redemptions", h.SubmitToken).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account_id}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account_id}/transactions", h.AccountHistory).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account_id}/totals", h.AccountTotals).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", h.TransactionsBetween).Methods(http.MethodGet)
	v1.HandleFunc("/rewards", h.ListRewards).Methods(http.MethodGet)
	v1.HandleFunc("/rewards/{reward_id}/transactions", h.RewardHistory).Methods(http.MethodGet)

	r.Use(h.logRequests)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type submitRequest struct {
	Token string `json:"token"`
}

func (h *Handler) SubmitToken(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		h.respondError(w, http.StatusBadRequest, "missing_token")
		return
	}

	out, err := h.svc.SubmitToken(r.Context(), accountID, req.Token)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, outcomeStatus(out.Status), out)
}

func outcomeStatus(s model.Status) int {
	switch s {
	case model.StatusApplied, model.StatusRejectedDuplicate:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.GetAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, acc)
}

type historyResponse struct {
	Transactions []model.TransactionRecord `json:"transactions"`
}

func (h *Handler) AccountHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.svc.AccountHistory(r.Context(), mux.Vars(r)["account_id"], q)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, historyResponse{Transactions: recs})
}

func (h *Handler) TransactionsBetween(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.svc.TransactionsBetween(r.Context(), q)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, historyResponse{Transactions: recs})
}

func (h *Handler) AccountTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.AccountTotals(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, totals)
}

type rewardsResponse struct {
	Rewards []model.Reward `json:"rewards"`
}

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.svc.ActiveRewards(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rewardsResponse{Rewards: rewards})
}

func (h *Handler) RewardHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.svc.RewardHistory(r.Context(), mux.Vars(r)["reward_id"], q)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, historyResponse{Transactions: recs})
}

func parseHistoryQuery(r *http.Request) (model.HistoryQuery, error) {
	var q model.HistoryQuery
	values := r.URL.Query()
	var err error
	if v := values.Get("from"); v != "" {
		if q.From, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return q, errors.New("invalid_from")
		}
	}
	if v := values.Get("to"); v != "" {
		if q.To, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return q, errors.New("invalid_to")
		}
	}
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			return q, errors.New("invalid_limit")
		}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, errors.New("invalid_range")
	}
	return q, nil
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAccount):
		h.respondError(w, http.StatusBadRequest, "missing_account_id")
	case errors.Is(err, service.ErrInvalidRequest):
		h.respondError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, service.ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": string(model.StatusTransient),
			"error":  err.Error(),
		})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
