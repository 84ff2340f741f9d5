package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/service"
	ws "github.com/makeasinger/audiogen/internal/websocket"
)

// StreamHandler serves live job events over WebSocket
type StreamHandler struct {
	hub  *ws.Hub
	jobs *service.JobService
}

func NewStreamHandler(hub *ws.Hub, jobs *service.JobService) *StreamHandler {
	return &StreamHandler{hub: hub, jobs: jobs}
}

// Upgrade checks the job belongs to the caller and loads the events emitted
// so far before the connection is upgraded
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	events, err := h.jobs.Events(c.UserContext(), middleware.GetOrgID(c), c.Params("jobId"), nil)
	if err != nil {
		return lookupError(c, err, "Job not found")
	}
	c.Locals("backlog", events)
	return c.Next()
}

// Serve handles GET /ws/jobs/:jobId
func (h *StreamHandler) Serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		backlog, _ := conn.Locals("backlog").([]model.JobEvent)
		h.hub.HandleConnection(conn, conn.Params("jobId"), backlog)
	})
}
