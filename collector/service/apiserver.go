package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaron8/sysmon-collector/collector/aggregation"
	"github.com/yaron8/sysmon-collector/collector/config"
	"github.com/yaron8/sysmon-collector/logi"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

// Mirror receives every stored record and every removal. Failures are logged
// and never fail the request.
type Mirror interface {
	Store(ctx context.Context, record telemetrics.MetricsRecord) error
	Remove(ctx context.Context, deviceID string) error
}

type APIServer struct {
	config     *config.Config
	server     *http.Server
	aggregator *aggregation.Service
	mirror     Mirror
	logger     zerolog.Logger
}

// NewAPIServer builds the HTTP API. mirror may be nil.
func NewAPIServer(config *config.Config, aggregator *aggregation.Service, mirror Mirror) *APIServer {
	api := &APIServer{
		config:     config,
		aggregator: aggregator,
		mirror:     mirror,
		logger:     logi.WithComponent("apiserver"),
	}

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      api.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// Handler returns the routed handler with middleware applied.
func (api *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			api.logger.Error().Err(err).Msg("Error writing health check response")
		}
	})

	// Ingest boundary
	mux.Handle("POST /api/metrics/ingest", api.requireAPIKey(http.HandlerFunc(api.IngestHandler)))

	// Query boundary
	mux.HandleFunc("GET /api/metrics/latest", api.LatestSummaryHandler)
	mux.HandleFunc("GET /api/metrics/devices", api.ListDevicesHandler)
	mux.HandleFunc("GET /api/metrics/device/{id}", api.DeviceDetailHandler)
	mux.Handle("DELETE /api/metrics/device/{id}", api.requireAPIKey(http.HandlerFunc(api.RemoveDeviceHandler)))

	// Single metric lookup
	mux.HandleFunc("GET /telemetry/GetMetric", api.GetMetricHandler)

	return api.middleware(mux)
}

// Start serves HTTP until Shutdown. It returns nil once the server has been
// shut down.
func (api *APIServer) Start() error {
	api.logger.Info().Int("port", api.config.Port).Msg("Collector APIServer starting")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.logger.Error().Err(err).Int("port", api.config.Port).Msg("Server failed to start")
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown stops the server gracefully.
func (api *APIServer) Shutdown(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

type errorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func (api *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Can't send an error response after WriteHeader, just log it
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error().Err(err).Msg("Error encoding response to JSON")
	}
}

func (api *APIServer) writeError(w http.ResponseWriter, status int, kind, message string) {
	api.writeJSON(w, status, errorResponse{Error: kind, Message: message})
}
