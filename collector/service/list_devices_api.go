package service

import (
	"net/http"
)

type listDevicesResponse struct {
	Devices []string `json:"devices"`
	Count   int      `json:"count"`
}

func (api *APIServer) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices := api.aggregator.ListDevices()

	api.writeJSON(w, http.StatusOK, listDevicesResponse{
		Devices: devices,
		Count:   len(devices),
	})
}

func (api *APIServer) LatestSummaryHandler(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.aggregator.LatestSummary())
}
