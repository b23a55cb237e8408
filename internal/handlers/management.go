package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dicom-gateway/gateway/internal/cache"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/query"
	"github.com/dicom-gateway/gateway/internal/repository"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ManagementHandler is the PACS node registry CRUD plus connection tests.
type ManagementHandler struct {
	nodes   *repository.PACSRepository
	query   *query.Service
	results cache.Cache
}

func NewManagementHandler(nodes *repository.PACSRepository, q *query.Service, results cache.Cache) *ManagementHandler {
	return &ManagementHandler{nodes: nodes, query: q, results: results}
}

// CreateNode registers a new PACS node.
func (h *ManagementHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req models.PACSNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.AETitle == "" || req.Hostname == "" || req.Port <= 0 {
		http.Error(w, "name, aeTitle, hostname and port are required", http.StatusBadRequest)
		return
	}

	node := nodeFromRequest(&req)
	if err := h.nodes.Create(r.Context(), node); err != nil {
		log.Error().Err(err).Str("node", req.Name).Msg("create pacs node failed")
		http.Error(w, "Failed to create PACS node", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(node)
}

// ListNodes returns every registered node, default first.
func (h *ManagementHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list pacs nodes failed")
		http.Error(w, "Failed to list PACS nodes", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(nodes)
}

// GetNode returns one node by name.
func (h *ManagementHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.nodes.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, repository.ErrNodeNotFound) {
			http.Error(w, "PACS node not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("get pacs node failed")
		http.Error(w, "Failed to get PACS node", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(node)
}

// UpdateNode replaces a node's settings.
func (h *ManagementHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existing, err := h.nodes.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNodeNotFound) {
			http.Error(w, "PACS node not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("get pacs node failed")
		http.Error(w, "Failed to get PACS node", http.StatusInternalServerError)
		return
	}

	var req models.PACSNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = name

	node := nodeFromRequest(&req)
	node.CreatedAt = existing.CreatedAt
	if err := h.nodes.Update(r.Context(), node); err != nil {
		log.Error().Err(err).Str("node", name).Msg("update pacs node failed")
		http.Error(w, "Failed to update PACS node", http.StatusInternalServerError)
		return
	}
	h.invalidateResults(r.Context(), name)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(node)
}

// DeleteNode unregisters a node and drops its memoized query results.
func (h *ManagementHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.nodes.Delete(r.Context(), name); err != nil {
		if errors.Is(err, repository.ErrNodeNotFound) {
			http.Error(w, "PACS node not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("delete pacs node failed")
		http.Error(w, "Failed to delete PACS node", http.StatusInternalServerError)
		return
	}
	h.invalidateResults(r.Context(), name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ManagementHandler) invalidateResults(ctx context.Context, name string) {
	if h.results == nil {
		return
	}
	if err := cache.InvalidateNode(ctx, h.results, name); err != nil {
		log.Warn().Err(err).Str("node", name).Msg("query result invalidation failed")
	}
}

// TestConnection issues a C-ECHO against the named node and records the
// outcome on its registry row. Failures still return 200 with
// isConnected=false so the UI can render the error.
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	node, err := h.nodes.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNodeNotFound) {
			http.Error(w, "PACS node not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("get pacs node failed")
		http.Error(w, "Failed to get PACS node", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	echoErr := h.query.Echo(r.Context(), node)
	status := models.ConnectionStatus{
		IsConnected:  echoErr == nil,
		LastChecked:  time.Now().UTC(),
		ResponseTime: time.Since(start).Milliseconds(),
	}
	if echoErr != nil {
		status.ErrorMessage = echoErr.Error()
		log.Warn().Err(echoErr).Str("node", name).Msg("connection test failed")
	}

	if err := h.nodes.UpdateConnectionStatus(r.Context(), name, &status); err != nil {
		log.Warn().Err(err).Str("node", name).Msg("recording connection status failed")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func nodeFromRequest(req *models.PACSNodeRequest) *models.PACSNode {
	root := req.QueryRetrieveRoot
	if root == "" {
		root = models.QueryRetrieveRootStudy
	}
	return &models.PACSNode{
		Name:                 req.Name,
		AETitle:              req.AETitle,
		Hostname:             req.Hostname,
		Port:                 req.Port,
		ConnectTimeoutMs:     req.ConnectTimeoutMs,
		ResponseTimeoutMs:    req.ResponseTimeoutMs,
		AssociationTimeoutMs: req.AssociationTimeoutMs,
		QueryRetrieveRoot:    root,
		IsDefault:            req.IsDefault,
	}
}
