package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint of the service.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/payments", h.CreatePaymentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments", h.ListPaymentsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}", h.GetPaymentHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}/refunds", h.CreateRefundHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/receipt", h.GenerateReceiptHandler).Methods(http.MethodPost)
	v1.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)

	return r
}
