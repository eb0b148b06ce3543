package service

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/yaron8/sysmon-collector/collector/aggregation"
)

type ingestResponse struct {
	Status     string    `json:"status"`
	DeviceID   string    `json:"device_id"`
	RecordID   string    `json:"record_id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (api *APIServer) IngestHandler(w http.ResponseWriter, r *http.Request) {
	limit := api.aggregator.Config().MaxPayloadBytes

	// One byte over the limit is enough for Ingest to reject the payload
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		api.logger.Error().Err(err).Msg("Error reading ingest body")
		api.writeError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}

	record, err := api.aggregator.Ingest(body)
	if err != nil {
		var verr *aggregation.ValidationError
		if !errors.As(err, &verr) {
			api.logger.Error().Err(err).Msg("Error ingesting metrics")
			api.writeError(w, http.StatusInternalServerError, "internal_fault", "internal error")
			return
		}

		api.logger.Warn().
			Str("kind", string(verr.Kind)).
			Str("field", verr.Field).
			Str("remote_addr", r.RemoteAddr).
			Msg("Rejected metrics payload")

		status := http.StatusBadRequest
		if verr.Kind == aggregation.KindPayloadTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		api.writeJSON(w, status, errorResponse{
			Error:   string(verr.Kind),
			Field:   verr.Field,
			Message: verr.Reason,
		})
		return
	}

	if api.mirror != nil {
		if err := api.mirror.Store(r.Context(), record); err != nil {
			api.logger.Error().Err(err).Str("device_id", record.DeviceID).Msg("Error mirroring record")
		}
	}

	api.writeJSON(w, http.StatusOK, ingestResponse{
		Status:     "ok",
		DeviceID:   record.DeviceID,
		RecordID:   record.RecordID,
		ReceivedAt: record.Timestamp,
	})
}
