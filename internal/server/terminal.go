package server

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

// controlMessage is the JSON control frame clients send on the terminal
// socket. Raw binary frames are forwarded to the session as keystrokes.
type controlMessage struct {
	Type string `json:"type"` // "input" or "resize"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

func (s *Server) handleTerminalUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	agentID := c.Query("agent_id")
	if agentID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "agent_id is required")
	}
	userID := c.Query("user_id")

	return websocket.New(func(conn *websocket.Conn) {
		s.handleTerminal(conn, agentID, userID)
	})(c)
}

// handleTerminal joins a client to a session: replay the reconnection
// buffer, then stream live events until either side goes away.
func (s *Server) handleTerminal(conn *websocket.Conn, agentID, userID string) {
	connID := uuid.NewString()
	logger.Debugf("terminal %s attached to agent %s (user %s)", connID, agentID, userID)

	s.buffers.Subscribe(agentID, connID, userID)
	events := s.hub.Subscribe(agentID, connID)
	defer func() {
		s.hub.Unsubscribe(agentID, connID)
		// The session may already be gone; sweep by connection id.
		s.buffers.DropConnection(connID)
		_ = conn.Close()
	}()

	for _, frag := range s.buffers.History(agentID) {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(frag.Text)); err != nil {
			return
		}
	}

	disconnected := make(chan struct{})
	recovery.SafeGoWithCleanup("terminal-read-"+connID, func() {
		s.readClient(conn, agentID)
	}, func() {
		close(disconnected)
	})

	for {
		select {
		case <-disconnected:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.writeEvent(conn, ev) {
				return
			}
		}
	}
}

// readClient pumps client frames into the session until the socket closes.
func (s *Server) readClient(conn *websocket.Conn, agentID string) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.registry.Input(agentID, payload); err != nil {
				logger.Debugf("input for agent %s failed: %v", agentID, err)
			}
		case websocket.TextMessage:
			var ctl controlMessage
			if err := json.Unmarshal(payload, &ctl); err != nil {
				logger.Debugf("dropping malformed control frame for agent %s", agentID)
				continue
			}
			switch ctl.Type {
			case "input":
				if err := s.registry.Input(agentID, []byte(ctl.Data)); err != nil {
					logger.Debugf("input for agent %s failed: %v", agentID, err)
				}
			case "resize":
				if err := s.registry.Resize(agentID, ctl.Cols, ctl.Rows); err != nil {
					logger.Debugf("resize for agent %s failed: %v", agentID, err)
				}
			}
		}
	}
}

// writeEvent sends one session event to the client. Data flows as raw
// binary; everything else as a JSON frame. Returns false when the socket is
// gone or the session reached a terminal event.
func (s *Server) writeEvent(conn *websocket.Conn, ev models.SessionEvent) bool {
	if ev.Type == models.EventData {
		return conn.WriteMessage(websocket.BinaryMessage, ev.Data) == nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warnf("failed to encode %s event: %v", ev.Type, err)
		return true
	}
	if conn.WriteMessage(websocket.TextMessage, payload) != nil {
		return false
	}
	return ev.Type != models.EventExit
}
