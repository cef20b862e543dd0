// Package ws serves live conversation updates over WebSocket.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/config"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/hub"
	"github.com/coveo-labs/barca-sports-assistant/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, log *logrus.Entry) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.WithField("component", "ws"),
	}
}

// RegisterRoutes registers the WebSocket route with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/conversations/:local_id/ws", s.HandleWebSocket)
}

// HandleWebSocket upgrades the request and subscribes the connection to
// one conversation. The current view is sent first.
func (s *Server) HandleWebSocket(c echo.Context) error {
	localID := c.Param("local_id")
	view, err := s.service.GetConversation(localID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error(), "code": domain.ErrorCodeNotFound})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade websocket")
		return nil
	}

	conn := s.hub.NewConnection(ws, localID)
	if data, err := json.Marshal(updateFrame(view)); err == nil {
		conn.Send <- data
	}
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func updateFrame(view domain.ConversationView) domain.UpdateFrame {
	return domain.UpdateFrame{
		Type:             domain.FrameConversationUpdated,
		Ts:               time.Now().UnixMilli(),
		ConversationView: view,
	}
}

// readPump reads frames from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).WithField("conn_id", conn.ID).Warn("websocket error")
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes queued frames and keep-alive pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).WithField("conn_id", conn.ID).Debug("failed to write frame")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches a client frame.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var frame domain.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(conn, domain.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch frame.Type {
	case domain.FrameSendMessage:
		if _, err := s.service.SendMessage(conn.LocalID, frame.Content); err != nil {
			s.sendServiceError(conn, err)
		}
	case domain.FrameCancel:
		if _, err := s.service.CancelStream(conn.LocalID); err != nil {
			s.sendServiceError(conn, err)
		}
	default:
		s.sendError(conn, domain.ErrorCodeInvalidMessage, "unknown message type: "+frame.Type)
	}
}

func (s *Server) sendServiceError(conn *hub.Connection, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.sendError(conn, domain.ErrorCodeNotFound, err.Error())
	case errors.Is(err, service.ErrBusy):
		s.sendError(conn, domain.ErrorCodeBusy, err.Error())
	case errors.Is(err, service.ErrEmptyMessage):
		s.sendError(conn, domain.ErrorCodeInvalidMessage, err.Error())
	default:
		s.sendError(conn, domain.ErrorCodeInternalError, err.Error())
	}
}

func (s *Server) sendError(conn *hub.Connection, code, message string) {
	frame := domain.ErrorFrame{
		Type:    domain.FrameError,
		Ts:      time.Now().UnixMilli(),
		Code:    code,
		Message: message,
	}
	if err := s.hub.SendJSONToConnection(conn, frame); err != nil {
		s.log.WithError(err).WithField("conn_id", conn.ID).Warn("failed to send error frame")
	}
}
