package proxy

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lkarlslund/qwengate/pkg/health"
	"github.com/lkarlslund/qwengate/pkg/version"
)

type statusPayload struct {
	Version       string       `json:"version"`
	Session       health.State `json:"session"`
	Conversations int          `json:"conversations"`
}

func (s *Server) statusPayload() statusPayload {
	count, err := s.convs.Count()
	if err != nil {
		s.log.Warn("count conversations failed", "error", err)
	}
	return statusPayload{
		Version:       version.String(),
		Session:       s.monitor.Snapshot(),
		Conversations: count,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status socket carries no sensitive data and serves local
	// dashboards, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusWS pushes the current status immediately and then every
// session state change until the peer goes away.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, cancel := s.monitor.Subscribe()
	defer cancel()

	// Drain client frames so close handshakes and pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.statusPayload()); err != nil {
		return
	}
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			if err := conn.WriteJSON(s.statusPayload()); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
