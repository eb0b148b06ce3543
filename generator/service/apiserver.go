package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaron8/sysmon-collector/generator/config"
	"github.com/yaron8/sysmon-collector/generator/metrics"
	"github.com/yaron8/sysmon-collector/logi"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

type APIServer struct {
	fleet  *metrics.Fleet
	config *config.Config
	server *http.Server
	logger zerolog.Logger
}

type fleetResponse struct {
	Devices  int                         `json:"devices"`
	TickedAt *time.Time                  `json:"ticked_at"`
	Payloads []telemetrics.IngestPayload `json:"payloads"`
}

func NewAPIServer(config *config.Config, fleet *metrics.Fleet) *APIServer {
	api := &APIServer{
		config: config,
		fleet:  fleet,
		logger: logi.WithComponent("generator-api"),
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

func (api *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			api.logger.Error().Err(err).Msg("Error writing health check response")
		}
	})

	mux.HandleFunc("GET /fleet", api.fleetHandler)

	return api.middleware(mux)
}

// Start serves HTTP until Shutdown.
func (api *APIServer) Start() error {
	api.logger.Info().Int("port", api.config.Port).Msg("Generator APIServer starting")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func (api *APIServer) Shutdown(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// fleetHandler returns the payloads of the last tick
func (api *APIServer) fleetHandler(w http.ResponseWriter, r *http.Request) {
	payloads, tickedAt := api.fleet.Snapshot()

	resp := fleetResponse{Devices: api.fleet.Size(), Payloads: payloads}
	if !tickedAt.IsZero() {
		resp.TickedAt = &tickedAt
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		api.logger.Error().Err(err).Msg("Error encoding fleet response")
	}
}
