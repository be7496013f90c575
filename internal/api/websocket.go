package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamOrders pushes the caller's order updates until the client goes away.
func (s *Server) streamOrders(c *gin.Context) {
	if s.deps.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "event bus not ready")
		return
	}
	clientID := CurrentClientID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stream, unsub := s.deps.Bus.Subscribe(events.EventOrderUpdate, 100)
	defer unsub()

	// The reader only notices the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			u, ok := msg.(events.OrderUpdate)
			if !ok || u.ClientID != clientID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(u); err != nil {
				s.log.Debugw("ws write failed", "error", err)
				return
			}
		}
	}
}
