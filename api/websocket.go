package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/api/responses"
	"github.com/Aidin1998/fxarena/internal/trading/events"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamEvents pushes engine events to the client as JSON text frames.
// ?participant_id= restricts the feed to one participant.
func (s *Server) streamEvents(c *gin.Context) {
	var filter uuid.UUID
	if raw := c.Query("participant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			responses.BadRequest(c, "invalid participant_id", apperrors.NewFieldError("uuid", "participant_id", err.Error()))
			return
		}
		filter = id
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed, unsubscribe := s.stream.SubscribeChan(s.opts.StreamBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case e, ok := <-feed:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"), time.Now().Add(writeWait))
				return
			}
			if !matches(e, filter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// signals when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func matches(e events.Event, participant uuid.UUID) bool {
	return participant == uuid.Nil || e.ParticipantID == participant
}
