package controller

import (
	"fmt"
	"strings"

	"docforge/internal/doctype"
	"docforge/internal/dto"
	"docforge/internal/entity"
	"docforge/internal/pkg/serverutils"
	"docforge/internal/repository/memory"
	"docforge/internal/simulation"

	"github.com/gofiber/fiber/v2"
)

type IQuestionController interface {
	RegisterRoutes(r fiber.Router)
	List(ctx *fiber.Ctx) error
	Answer(ctx *fiber.Ctx) error
	Artifact(ctx *fiber.Ctx) error
}

type questionController struct {
	questions simulation.QuestionBank
	artifacts *memory.ArtifactRepository
}

func NewQuestionController(questions simulation.QuestionBank, artifacts *memory.ArtifactRepository) IQuestionController {
	return &questionController{questions: questions, artifacts: artifacts}
}

func (c *questionController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/projects/:project/documents/:type")
	h.Get("/questions", c.List)
	h.Put("/questions/:ordinal", c.Answer)
	h.Get("/artifact", c.Artifact)
}

func sessionKey(ctx *fiber.Ctx) (entity.SessionKey, error) {
	docType, err := doctype.Parse(ctx.Params("type"))
	if err != nil {
		return entity.SessionKey{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	project := strings.TrimSpace(ctx.Params("project"))
	if project == "" {
		return entity.SessionKey{}, fiber.NewError(fiber.StatusBadRequest, "project is required")
	}
	return entity.SessionKey{ProjectId: project, DocumentType: docType}, nil
}

// List serves ?status=unanswered (default) or ?status=all. A project starts
// with the default question set of its document type.
func (c *questionController) List(ctx *fiber.Ctx) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	c.questions.Seed(key.ProjectId, key.DocumentType, simulation.DefaultQuestions(key.DocumentType))

	var res []entity.Question
	switch status := ctx.Query("status", "unanswered"); status {
	case "unanswered":
		res, err = c.questions.FetchUnanswered(ctx.Context(), key.ProjectId, key.DocumentType)
	case "all":
		res, err = c.questions.FetchAllAnswered(ctx.Context(), key.ProjectId, key.DocumentType)
	default:
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get questions", res))
}

func (c *questionController) Answer(ctx *fiber.Ctx) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	ordinal, err := ctx.ParamsInt("ordinal")
	if err != nil || ordinal < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "ordinal must be a positive number")
	}

	var req dto.AnswerRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	q := entity.Question{Ordinal: ordinal, Prompt: req.Question, Answer: strings.TrimSpace(req.Answer)}
	if err := c.questions.SubmitAnswer(ctx.Context(), key.ProjectId, key.DocumentType, q); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success save answer", nil))
}

func (c *questionController) Artifact(ctx *fiber.Ctx) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	a, ok := c.artifacts.Get(key)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "artifact not ready")
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	ctx.Set(fiber.HeaderContentType, contentType)
	ctx.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", a.Name))
	return ctx.Send(a.Content)
}
