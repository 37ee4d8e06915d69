package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader accepts any origin: the server is meant for a bench PC on
// localhost.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWSCal streams calibration progress and uncalibrated-channel warnings.
// A "status" snapshot is sent first so late joiners see the current run.
func (s *Server) handleWSCal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := s.wsCal.Add(conn)

	s.dev.mu.Lock()
	status := CalStatusResponse{Running: s.dev.opKind == opCalibration, RunID: s.dev.opID, Last: s.dev.last}
	s.dev.mu.Unlock()
	_ = client.Send(WSMessage{Type: "status", Data: status})

	// Incoming messages are ignored; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.wsCal.Remove(client)
			return
		}
	}
}
