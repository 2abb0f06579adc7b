package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/models"
	"github.com/punchamoorthee/coinledger/internal/service"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 64 << 10

type Handler struct {
	service *service.TransferService
	logger  *zap.Logger
}

func NewHandler(svc *service.TransferService, logger *zap.Logger) *Handler {
	return &Handler{service: svc, logger: logger.With(zap.String("component", "api"))}
}

// Router wires the ledger endpoints, health and metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)
	apiV1.HandleFunc("/transfers/{id}", h.GetTransfer).Methods(http.MethodGet)
	apiV1.HandleFunc("/transfers/{id}/claim", h.ClaimTransfer).Methods(http.MethodPost)
	apiV1.HandleFunc("/transfers/{id}/cancel", h.CancelTransfer).Methods(http.MethodPost)
	apiV1.HandleFunc("/users/{userID}/transfers", h.ListUserTransfers).Methods(http.MethodGet)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/transfers"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.CreateTransferRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", domain.ReasonInvalidRequest, method, endpoint)
		return
	}

	rec, created, err := h.service.Create(r.Context(), service.CreateParams{
		ID:          req.ID,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		CreatedAt:   req.CreatedAt,
	})
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	if !created {
		h.respondJSON(w, http.StatusOK, models.TransferResponse{
			Transfer: rec,
			Message:  "Transfer already logged",
		}, method, endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", rec.ID))
	h.respondJSON(w, http.StatusCreated, models.TransferResponse{
		Transfer: rec,
		Created:  true,
		Message:  "Transfer logged",
	}, method, endpoint)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/transfers/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	rec, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.TransferResponse{Transfer: rec}, method, endpoint)
}

func (h *Handler) ClaimTransfer(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/transfers/{id}/claim"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.ClaimRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", domain.ReasonInvalidRequest, method, endpoint)
		return
	}

	rec, err := h.service.Claim(r.Context(), mux.Vars(r)["id"], req.ClaimantID)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.TransferResponse{
		Transfer: rec,
		Message:  "Coins received successfully",
	}, method, endpoint)
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/transfers/{id}/cancel"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.CancelRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", domain.ReasonInvalidRequest, method, endpoint)
		return
	}

	rec, err := h.service.Cancel(r.Context(), mux.Vars(r)["id"], req.RequesterID)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.TransferResponse{
		Transfer: rec,
		Message:  "Transfer has been cancelled",
	}, method, endpoint)
}

func (h *Handler) ListUserTransfers(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/users/{userID}/transfers"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	records, err := h.service.ListForUser(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	if records == nil {
		records = []domain.TransferRecord{}
	}
	h.respondJSON(w, http.StatusOK, models.TransferListResponse{Transfers: records}, method, endpoint)
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, dst)
}
