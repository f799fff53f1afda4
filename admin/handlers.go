package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/oplogtail/checkpoint"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/rs/zerolog/log"
)

// Controller is the part of the tailer registry the admin API drives
type Controller interface {
	Statuses() []tailer.Status
	CheckpointNow()
	CheckpointTailer(id checkpoint.Identity) bool
	Stop()
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	ctrl Controller
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(ctrl Controller) *AdminHandlers {
	return &AdminHandlers{ctrl: ctrl}
}

// handleStatus lists every tailer with its state and position
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.ctrl.Statuses())
}

func (h *AdminHandlers) handleCheckpointAll(w http.ResponseWriter, r *http.Request) {
	h.ctrl.CheckpointNow()
	log.Info().Msg("Checkpoint requested for all tailers")
	writeAccepted(w)
}

func (h *AdminHandlers) handleCheckpointTailer(w http.ResponseWriter, r *http.Request) {
	id := checkpoint.Identity{
		Cluster:    chi.URLParam(r, "cluster"),
		ReplicaSet: chi.URLParam(r, "replicaSet"),
	}
	if id.Cluster == "" || id.ReplicaSet == "" {
		writeErrorResponse(w, http.StatusBadRequest, "cluster and replica set are required")
		return
	}

	if !h.ctrl.CheckpointTailer(id) {
		writeErrorResponse(w, http.StatusNotFound, "tailer '"+id.String()+"' not found")
		return
	}
	log.Info().Str("tailer", id.String()).Msg("Checkpoint requested")
	writeAccepted(w)
}

func (h *AdminHandlers) handleStop(w http.ResponseWriter, r *http.Request) {
	log.Info().Msg("Stop requested through admin API")
	h.ctrl.Stop()
	writeAccepted(w)
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
