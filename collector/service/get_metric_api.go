package service

import (
	"net/http"
)

func (api *APIServer) GetMetricHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		api.writeError(w, http.StatusBadRequest, "missing_parameter", "Missing device_id parameter")
		return
	}

	metricName := r.URL.Query().Get("metric")
	if metricName == "" {
		api.writeError(w, http.StatusBadRequest, "missing_parameter", "Missing metric parameter")
		return
	}

	latest, ok := api.aggregator.Latest(deviceID)
	if !ok {
		api.writeError(w, http.StatusNotFound, "not_found", "unknown device "+deviceID)
		return
	}

	val, ok := latest.Value(metricName)
	if !ok {
		api.writeError(w, http.StatusNotFound, "not_found", "no value for metric "+metricName)
		return
	}

	// Marshal the value to JSON (handles string, float, int, etc.)
	api.writeJSON(w, http.StatusOK, val)
}
