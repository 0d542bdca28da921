package handlers

import (
	"net/http"
	"strconv"

	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// ReconcileHandler runs the index/record consistency sweep.
type ReconcileHandler struct {
	reconciler Reconciler
}

// NewReconcileHandler creates a handler. reconciler may be nil when the
// configured face index cannot be listed.
func NewReconcileHandler(reconciler Reconciler) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// Run accepts ?purge=true and ?dry_run=true.
func (h *ReconcileHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		respondError(w, http.StatusNotImplemented, "face index does not support reconciliation")
		return
	}
	purge, err := boolParam(r, "purge")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid purge parameter")
		return
	}
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dry_run parameter")
		return
	}

	report, err := h.reconciler.Run(r.Context(), identity.ReconcileOptions{Purge: purge, DryRun: dryRun})
	if err != nil {
		logger.C(r.Context()).Error().Err(err).Msg("reconciliation failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
