package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/dicom-gateway/gateway/internal/cache"
	"github.com/dicom-gateway/gateway/internal/database"
)

// HealthHandler reports liveness of everything a retrieve depends on: the
// index database, the query-result cache, the cache root directory, and
// the Storage-SCP listener.
type HealthHandler struct {
	results   cache.Cache
	cacheRoot string
	scpAddr   func() string // nil-safe accessor for the bound SCP address
}

func NewHealthHandler(results cache.Cache, cacheRoot string, scpAddr func() string) *HealthHandler {
	return &HealthHandler{results: results, cacheRoot: cacheRoot, scpAddr: scpAddr}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]string),
	}
	degrade := func(name string) {
		response.Services[name] = "unhealthy"
		response.Status = "degraded"
	}

	if err := database.Ping(); err != nil {
		degrade("database")
	} else {
		response.Services["database"] = "healthy"
	}

	if h.results != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if _, err := h.results.Exists(ctx, "health"); err != nil {
			degrade("queryCache")
		} else {
			response.Services["queryCache"] = "healthy"
		}
		cancel()
	}

	if info, err := os.Stat(h.cacheRoot); err != nil || !info.IsDir() {
		degrade("cacheRoot")
	} else {
		response.Services["cacheRoot"] = "healthy"
	}

	if h.scpAddr != nil {
		if h.scpAddr() == "" {
			degrade("storageScp")
		} else {
			response.Services["storageScp"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Ready gates traffic on the database alone: the gateway can serve cached
// bytes and accept retrieves as soon as the index is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := database.Ping(); err != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
