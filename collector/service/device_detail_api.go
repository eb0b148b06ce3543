package service

import (
	"net/http"
	"strconv"
)

func (api *APIServer) DeviceDetailHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	limit := api.config.Aggregation.DetailHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			api.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	detail, ok, err := api.aggregator.DeviceDetail(deviceID, limit)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, "internal_fault", "internal error")
		return
	}
	if !ok {
		api.writeError(w, http.StatusNotFound, "not_found", "unknown device "+deviceID)
		return
	}

	api.writeJSON(w, http.StatusOK, detail)
}

func (api *APIServer) RemoveDeviceHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	if !api.aggregator.RemoveDevice(deviceID) {
		api.writeError(w, http.StatusNotFound, "not_found", "unknown device "+deviceID)
		return
	}

	if api.mirror != nil {
		if err := api.mirror.Remove(r.Context(), deviceID); err != nil {
			api.logger.Error().Err(err).Str("device_id", deviceID).Msg("Error removing mirrored record")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
