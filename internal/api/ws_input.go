package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// handleWSInput serves /ws/input/:id: the client streams {text}|{key} JSON
// objects; the server pushes nothing back over this socket (§6).
func (s *Server) handleWSInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.Has(id) {
		if s.remote != nil && s.remote.BridgeWebSocket(w, r, id) {
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Debug("api: ws/input accept failed", "error", err)
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var payload session.InputPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		if err := s.manager.Input(id, payload); err != nil {
			logger.Debug("api: ws/input write failed", "session_id", id, "error", err)
			if isTerminalInputError(err) {
				conn.Close(websocket.StatusNormalClosure, "session exited")
				return
			}
		}
	}
}
