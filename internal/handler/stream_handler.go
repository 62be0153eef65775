package handler

import (
	"context"
	"strings"

	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/simulation"
	internalWS "docforge/internal/websocket"
	"docforge/pkg/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const sessionKeyLocal = "session_key"

// StreamHandler serves the upload and generation websockets of the dev server.
type StreamHandler struct {
	hub       *internalWS.Hub
	generator *simulation.Generator
	logger    logger.ILogger
}

func NewStreamHandler(hub *internalWS.Hub, generator *simulation.Generator, log logger.ILogger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		generator: generator,
		logger:    log,
	}
}

func (h *StreamHandler) RegisterRoutes(r fiber.Router, auth fiber.Handler) {
	ws := r.Group("/ws", auth, upgradeRequired)
	ws.Get("/upload", websocket.New(h.ServeUpload))
	ws.Get("/generate/:session", h.checkGenerate, websocket.New(h.ServeGenerate))
}

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// checkGenerate validates the stream address before the upgrade so a bad
// request gets an HTTP error instead of a socket.
func (h *StreamHandler) checkGenerate(c *fiber.Ctx) error {
	docType, err := doctype.Parse(c.Query("document_type"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	project := strings.TrimSpace(c.Query("project_id"))
	if project == "" {
		return fiber.NewError(fiber.StatusBadRequest, "project_id is required")
	}
	c.Locals(sessionKeyLocal, entity.SessionKey{ProjectId: project, DocumentType: docType})
	return c.Next()
}

// ServeGenerate follows one generation job. Joining a running job first
// replays everything produced so far.
func (h *StreamHandler) ServeGenerate(c *websocket.Conn) {
	jobId := c.Params("session")
	key, _ := c.Locals(sessionKeyLocal).(entity.SessionKey)

	client := internalWS.NewClient(h.hub, c, jobId)
	err := h.generator.Follow(context.Background(), jobId, key, func(catchUp [][]byte) {
		for _, frame := range catchUp {
			client.Enqueue(frame)
		}
		h.hub.Register(client)
	})
	if err != nil {
		h.logger.Warn("STREAM", "Cannot follow job", map[string]interface{}{"job_id": jobId, "error": err.Error()})
		data, _ := protocol.Encode(protocol.Frame{Type: protocol.FrameError, DocumentType: string(key.DocumentType), Message: err.Error()})
		c.WriteMessage(websocket.TextMessage, data)
		return
	}

	h.logger.Info("STREAM", "Client following job", map[string]interface{}{"job_id": jobId, "session": key.String()})
	internalWS.ServeClient(client)
}

// ServeUpload answers startProcessing commands on a private topic.
func (h *StreamHandler) ServeUpload(c *websocket.Conn) {
	topic := "upload:" + uuid.NewString()
	client := internalWS.NewClient(h.hub, c, topic)

	emit := func(f protocol.Frame) {
		data, err := protocol.Encode(f)
		if err != nil {
			return
		}
		h.hub.Send(topic, data)
	}
	client.OnMessage = func(data []byte) {
		cmd, err := protocol.DecodeCommand(data)
		if err == nil {
			err = h.generator.Process(context.Background(), cmd, emit)
		}
		if err != nil {
			h.logger.Warn("STREAM", "Upload command failed", map[string]interface{}{"error": err.Error()})
			emit(protocol.Frame{Type: protocol.FrameError, SessionId: cmd.SessionId, DocumentType: cmd.DocumentType, Message: err.Error()})
		}
	}

	h.hub.Register(client)
	internalWS.ServeClient(client)
}
