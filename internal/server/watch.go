package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// watchInterval is the time between two progress frames.
const watchInterval = 250 * time.Millisecond

// upgrader keeps the default origin policy: browsers may only watch jobs
// from the page's own host. Clients that send no Origin are accepted.
var upgrader = websocket.Upgrader{}

// handleWatch streams job snapshots over a WebSocket until the job reaches
// a terminal state. The last frame always carries the terminal status.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Job(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", map[string]interface{}{"job_id": id, "error": err.Error()})
		return
	}
	defer ws.Close()

	// A reader is needed to process close frames from the client.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		view := job.snapshot()
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(view); err != nil {
			s.logger.Debug("watcher went away", map[string]interface{}{"job_id": id, "error": err.Error()})
			return
		}
		if view.Status.Terminal() {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
