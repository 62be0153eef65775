package controller

import (
	"strconv"

	"docforge/internal/pkg/logger"
	"docforge/internal/pkg/serverutils"

	"github.com/gofiber/fiber/v2"
)

type ILogController interface {
	RegisterRoutes(r fiber.Router)
	GetLogs(ctx *fiber.Ctx) error
}

type logController struct {
	reader logger.LogReader
}

func NewLogController(reader logger.LogReader) ILogController {
	return &logController{reader: reader}
}

func (c *logController) RegisterRoutes(r fiber.Router) {
	r.Get("/logs", c.GetLogs)
}

func (c *logController) GetLogs(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	offset, _ := strconv.Atoi(ctx.Query("offset", "0"))
	level := ctx.Query("level", "")

	logs, err := c.reader.GetLogs(level, limit, offset)
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(serverutils.ErrorResponse(500, err.Error()))
	}
	return ctx.JSON(serverutils.SuccessResponse("System logs", logs))
}
