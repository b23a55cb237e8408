package handlers

import (
	"net/http"
	"time"

	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/progress"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 10 * time.Second

// ProgressHandler is the external adapter for the progress bus: it
// upgrades GET /ws/retrieve/{studyUID} to a WebSocket and forwards every
// snapshot of that study's topic as a RetrieveProgress JSON message,
// closing after the terminal snapshot.
type ProgressHandler struct {
	bus      *progress.Bus
	upgrader websocket.Upgrader
}

func NewProgressHandler(bus *progress.Bus) *ProgressHandler {
	return &ProgressHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement belongs to the upstream auth layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe handles the upgrade and the writer loop. The subscription's
// channel closes once the terminal snapshot has been delivered, ending
// the loop; a write failure just drops the subscriber early.
func (h *ProgressHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(studyUID)
	defer sub.Close()

	// Reader goroutine: drain (and thereby detect) client close frames.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snapshot, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(models.ToProgress(snapshot)); err != nil {
				log.Debug().Err(err).Str("study_uid", studyUID).Msg("websocket write failed")
				return
			}
		case <-clientGone:
			return
		}
	}
}
