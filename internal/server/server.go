// Package server is the HTTP and websocket presentation layer in front of
// the backend registry. It carries the spawn/input/resize/kill/get/list
// operations and a terminal websocket that replays the reconnection buffer
// on attach.
package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/colabvibe/colabvibe/internal/backend"
	"github.com/colabvibe/colabvibe/internal/buffer"
	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
)

type Server struct {
	cfg      *config.Config
	registry *backend.Registry
	buffers  *buffer.Manager
	previews *backend.PreviewService
	hub      *Hub
	app      *fiber.App
}

func New(cfg *config.Config, registry *backend.Registry, buffers *buffer.Manager, previews *backend.PreviewService) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		buffers:  buffers,
		previews: previews,
		hub:      NewHub(),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: !cfg.Dev,
		ErrorHandler:          errorHandler,
	})
	s.registerRoutes()
	s.hub.Run(registry.Events())
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.app.Group("/v1")

	v1.Post("/sessions", s.handleSpawn)
	v1.Get("/sessions", s.handleList)
	v1.Get("/sessions/:id", s.handleGet)
	v1.Post("/sessions/:id/input", s.handleInput)
	v1.Post("/sessions/:id/resize", s.handleResize)
	v1.Delete("/sessions/:id", s.handleKill)
	v1.Get("/stats", s.handleStats)

	v1.Get("/terminal", s.handleTerminalUpgrade)

	v1.Post("/teams/:id/preview", s.handleStartPreview)
	v1.Delete("/teams/:id/preview", s.handleStopPreview)
	v1.Get("/previews", s.handleListPreviews)
}

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen() error {
	logger.Infof("listening on %s", s.cfg.ListenAddr)
	return s.app.Listen(s.cfg.ListenAddr)
}

func (s *Server) Shutdown() error {
	s.hub.Stop()
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if e, ok := err.(*fiber.Error); ok {
		fiberErr = e
		code = e.Code
	}
	if fiberErr == nil {
		logger.Errorf("unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
