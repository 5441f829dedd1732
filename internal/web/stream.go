package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sorelay/internal/domain"
	"sorelay/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame is one websocket message. Type "notification" carries a
// notification; "degraded" tells the client its queue overflowed and it
// should resync via GET /accounts/:id/notifications.
type streamFrame struct {
	Type         string               `json:"type"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

// handleStream upgrades to a websocket and relays the account's live feed.
// The subscription starts at upgrade time; history comes from resync.
func (s *Server) handleStream(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)
	defer conn.Close()

	s.log.Info("web: stream opened", logx.Int64("account_id", int64(id)))
	defer s.log.Info("web: stream closed", logx.Int64("account_id", int64(id)))

	// Read pump exists only to observe the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(frame any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(frame)
	}

	degradedSent := false
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if sub.Degraded() && !degradedSent {
				degradedSent = true
				if err := write(streamFrame{Type: "degraded"}); err != nil {
					return
				}
			}
			if err := write(streamFrame{Type: "notification", Notification: &n}); err != nil {
				return
			}
		}
	}
}
