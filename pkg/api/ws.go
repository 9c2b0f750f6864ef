package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // deployments front this with their own origin policy
	},
}

const (
	// progressPushInterval is how often the projection goes out.
	progressPushInterval = 1 * time.Second
	// wsWriteWait bounds one WebSocket write.
	wsWriteWait = 10 * time.Second
)

// handleProgressWS upgrades the request to a WebSocket and pushes the
// stage-progress projection once a second until the claim reaches a
// terminal status or the client disconnects.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "claim_id", claim.ID, "error", err)
		return
	}
	defer conn.Close()

	// We expect no client frames, but reading is the only way to notice
	// the peer going away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()

	for {
		progress, err := s.sink.Progress(r.Context(), claim.ID)
		if err != nil {
			s.logger.Warn("progress projection failed", "claim_id", claim.ID, "error", err)
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(progress); err != nil {
			return
		}

		if progress.Status.Terminal() {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "claim settled"))
			return
		}

		select {
		case <-ticker.C:
		case <-disconnected:
			return
		case <-r.Context().Done():
			return
		}
	}
}
