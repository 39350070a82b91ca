package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-roost/internal/bus"
)

// streamEvent is one run or session event forwarded to a websocket client.
type streamEvent struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// handleWS streams run lifecycle/output and session events to the client
// until either side disconnects. The stream is read-only: inbound frames are
// discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead surfaces client disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())

	runSub := s.cfg.Bus.Subscribe(bus.TopicRunPrefix)
	defer s.cfg.Bus.Unsubscribe(runSub)
	sesSub := s.cfg.Bus.Subscribe("session.")
	defer s.cfg.Bus.Unsubscribe(sesSub)

	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-runSub.Ch():
		case ev, ok = <-sesSub.Ch():
		}
		if !ok {
			return
		}
		if err := wsjson.Write(ctx, conn, streamEvent{Topic: ev.Topic, Data: ev.Payload}); err != nil {
			return
		}
	}
}
