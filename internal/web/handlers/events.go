package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-tagger/internal/events"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// EventsHandler resolves faces for queue envelopes and single images.
type EventsHandler struct {
	service       Service
	defaultBucket string
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(service Service, defaultBucket string) *EventsHandler {
	return &EventsHandler{service: service, defaultBucket: defaultBucket}
}

// Batch accepts an SQS-style envelope and returns one result per record.
func (h *EventsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := events.Parse(body, h.defaultBucket)
	if err != nil {
		respondTypedError(w, http.StatusBadRequest, err)
		return
	}
	h.process(w, r, jobs)
}

// Image accepts a single event body, e.g. {"bucketName":..,"objectKey":..}.
func (h *EventsHandler) Image(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, err := events.ParseMessage(body, h.defaultBucket)
	if err != nil {
		respondTypedError(w, http.StatusBadRequest, err)
		return
	}
	h.process(w, r, []identity.Job{{Ref: ref}})
}

func (h *EventsHandler) process(w http.ResponseWriter, r *http.Request, jobs []identity.Job) {
	result, err := h.service.ProcessBatch(r.Context(), jobs)
	if err != nil {
		logger.C(r.Context()).Error().Err(err).Msg("batch rejected")
		respondTypedError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
