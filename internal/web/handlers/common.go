package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/identity"
)

// errInvalidRequestBody is a shared error message for unreadable request bodies.
const errInvalidRequestBody = "invalid request body"

// maxBodyBytes caps event and image request bodies.
const maxBodyBytes = 1 << 20

// Service is the part of identity.Service the handlers call.
type Service interface {
	ProcessBatch(ctx context.Context, jobs []identity.Job) (*identity.BatchResult, error)
	GetPerson(ctx context.Context, name string) (*database.Record, error)
}

// Reconciler is implemented by identity.Reconciler.
type Reconciler interface {
	Run(ctx context.Context, opts identity.ReconcileOptions) (*identity.ReconcileReport, error)
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondTypedError adds the error taxonomy name to the response.
func respondTypedError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_type": identity.ErrorType(err),
	})
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body larger than %d bytes", maxBodyBytes)
		}
		return nil, errors.New(errInvalidRequestBody)
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	return body, nil
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
