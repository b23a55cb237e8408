package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/retrieve"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RetrieveHandler starts study retrieves and cancels running ones.
type RetrieveHandler struct {
	orchestrator *retrieve.Orchestrator
	store        *cacheindex.Store
}

func NewRetrieveHandler(orchestrator *retrieve.Orchestrator, store *cacheindex.Store) *RetrieveHandler {
	return &RetrieveHandler{orchestrator: orchestrator, store: store}
}

type retrieveResponse struct {
	Status           string `json:"status"`
	StudyInstanceUID string `json:"studyInstanceUid"`
	WebsocketTopic   string `json:"websocketTopic,omitempty"`
}

// RetrieveStudy handles POST /api/retrieve/study/{studyUID}: a cache hit
// is terminal (200 ALREADY_CACHED), otherwise a job starts and the caller
// follows the study topic for progress.
func (h *RetrieveHandler) RetrieveStudy(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	cached, err := h.store.StudyCached(r.Context(), studyUID)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("cache check failed")
		http.Error(w, "Failed to check cache", http.StatusInternalServerError)
		return
	}
	if cached {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(retrieveResponse{
			Status:           "ALREADY_CACHED",
			StudyInstanceUID: studyUID,
		})
		return
	}

	job, err := h.orchestrator.Start(r.Context(), retrieve.Request{
		Level:    models.LevelStudy,
		StudyUID: studyUID,
		NodeName: r.URL.Query().Get("pacsNode"),
	})
	if err != nil {
		writeDICOMError(w, err, "start retrieve")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(retrieveResponse{
		Status:           string(job.Status),
		StudyInstanceUID: studyUID,
		WebsocketTopic:   "/topic/retrieve/" + studyUID,
	})
}

// CancelRetrieve handles DELETE /api/retrieve/study/{studyUID}.
func (h *RetrieveHandler) CancelRetrieve(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}
	if !h.orchestrator.Cancel(studyUID) {
		http.Error(w, "No retrieve running for study", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
