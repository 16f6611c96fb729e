package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vibetunnel/vibetunnel/internal/aggregator"
	"github.com/vibetunnel/vibetunnel/internal/logger"
)

type bufferControlMessage struct {
	Subscribe   string `json:"subscribe"`
	Unsubscribe string `json:"unsubscribe"`
}

// handleWSBuffers serves /ws/buffers: a single multiplexed socket carrying
// 0xBF-framed snapshot pushes for every session the client has subscribed
// to via JSON control messages (§6, §4.7).
func (s *Server) handleWSBuffers(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Debug("api: ws/buffers accept failed", "error", err)
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.CloseNow()

	sub := aggregator.NewSubscriber(conn)
	defer sub.Close()
	defer s.agg.UnsubscribeAll(sub)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg bufferControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Subscribe != "" {
			s.agg.Subscribe(sub, msg.Subscribe)
		}
		if msg.Unsubscribe != "" {
			s.agg.Unsubscribe(sub, msg.Unsubscribe)
		}
	}
}
