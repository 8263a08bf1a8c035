package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/colabvibe/colabvibe/internal/backend"
	"github.com/colabvibe/colabvibe/internal/models"
)

type spawnRequest struct {
	AgentID   string `json:"agent_id"`
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
	Location  string `json:"location"`
	Isolation string `json:"isolation"`
	Mode      string `json:"mode,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

func (s *Server) handleSpawn(c *fiber.Ctx) error {
	var req spawnRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "agent_id is required")
	}

	sel := backend.Selector{
		Location:  models.Location(req.Location),
		Isolation: models.Isolation(req.Isolation),
		Mode:      req.Mode,
	}
	sess, err := s.registry.Spawn(c.Context(), sel, backend.SpawnRequest{
		AgentID: req.AgentID,
		TeamID:  req.TeamID,
		UserID:  req.UserID,
		RepoURL: req.RepoURL,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		if errors.Is(err, models.ErrUnknownBackend) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		// Provisioning failures still return the session: callers see
		// status=error with a message, never a silent no-op.
		if sess != nil {
			return c.Status(fiber.StatusBadGateway).JSON(sess)
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (s *Server) handleList(c *fiber.Ctx) error {
	sessions := s.registry.ListAll()
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return c.JSON(sessions)
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	sess, ok := s.registry.GetSession(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return c.JSON(sess)
}

type inputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleInput(c *fiber.Ctx) error {
	var req inputRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	err := s.registry.Input(c.Params("id"), []byte(req.Data))
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusAccepted)
	case errors.Is(err, models.ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConcurrentTurn):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleResize(c *fiber.Ctx) error {
	var req resizeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Cols == 0 || req.Rows == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "cols and rows must be positive")
	}

	if err := s.registry.Resize(c.Params("id"), req.Cols, req.Rows); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleKill(c *fiber.Ctx) error {
	killed := s.registry.Kill(c.Params("id"))
	return c.JSON(fiber.Map{"killed": killed})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.registry.Stats())
}

func (s *Server) handleStartPreview(c *fiber.Ctx) error {
	if s.previews == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "previews disabled")
	}
	preview, err := s.previews.Start(c.Context(), c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(preview)
}

func (s *Server) handleStopPreview(c *fiber.Ctx) error {
	if s.previews == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "previews disabled")
	}
	stopped := s.previews.Stop(c.Context(), c.Params("id"))
	return c.JSON(fiber.Map{"stopped": stopped})
}

func (s *Server) handleListPreviews(c *fiber.Ctx) error {
	if s.previews == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "previews disabled")
	}
	previews := s.previews.List()
	if previews == nil {
		previews = []*backend.Preview{}
	}
	return c.JSON(previews)
}
