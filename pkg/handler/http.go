package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds webhook bodies; Slack envelopes are a few KB
const maxBodyBytes = 1 << 20

// EventsPath is the route Slack posts events to
const EventsPath = "/api/v1/slack/events"

// ServeHTTP adapts the ingestor to net/http
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			i.logger.Warn().Int64("limit", tooLarge.Limit).Msg("rejected oversized body")
			writeResponse(w, errorResponse(http.StatusRequestEntityTooLarge, "request body too large"))
			return
		}
		writeResponse(w, errorResponse(http.StatusBadRequest, "failed to read body"))
		return
	}

	writeResponse(w, i.Ingest(r.Context(), r.Header, body))
}

// NewRouter mounts the webhook, health and metrics endpoints
func NewRouter(ingestor *Ingestor, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, okResponse())
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	r.Post(EventsPath, ingestor.ServeHTTP)

	return r
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
