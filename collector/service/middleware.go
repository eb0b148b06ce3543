package service

import (
	"crypto/subtle"
	"net/http"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware logs each request and turns a panicking handler into a 500 so a
// single bad request cannot take the process down.
func (api *APIServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				api.logger.Error().
					Interface("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("internal fault while handling request")
				api.writeError(rec, http.StatusInternalServerError, "internal_fault", "internal error")
				return
			}

			api.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		}()

		next.ServeHTTP(rec, r)
	})
}

// requireAPIKey rejects requests without the configured X-API-Key. With no
// key configured every request passes.
func (api *APIServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := api.config.IngestAPIKey
		if want != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				api.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
