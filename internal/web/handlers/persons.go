package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/facematch"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// PersonsHandler serves identity records.
type PersonsHandler struct {
	service Service
}

// NewPersonsHandler creates a new persons handler
func NewPersonsHandler(service Service) *PersonsHandler {
	return &PersonsHandler{service: service}
}

// PersonResponse is one registered identity.
type PersonResponse struct {
	Name      string `json:"name"`
	ID        int64  `json:"id"`
	ImageKey  string `json:"image_key"`
	CreatedAt int64  `json:"created_at"`
}

// Get returns the identity named in the URL. "Person 12" and "PERSON-12"
// resolve to person12.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "name")
	name := facematch.CanonicalPersonName(raw)
	id, ok := database.ParsePersonName(name)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid person name")
		return
	}

	rec, err := h.service.GetPerson(r.Context(), name)
	if err != nil {
		logger.C(r.Context()).Error().Err(err).Str("person", sanitizeForLog(raw)).Msg("failed to read person")
		respondError(w, http.StatusInternalServerError, "failed to read person")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "person not found")
		return
	}

	respondJSON(w, http.StatusOK, PersonResponse{
		Name:      rec.SK,
		ID:        id,
		ImageKey:  rec.S3Key,
		CreatedAt: rec.CreatedAt,
	})
}
