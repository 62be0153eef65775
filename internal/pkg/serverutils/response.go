package serverutils

import (
	"errors"

	"docforge/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type Response struct {
	Success bool        `json:"success"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func SuccessResponse(message string, data interface{}) Response {
	return Response{Success: true, Code: fiber.StatusOK, Message: message, Data: data}
}

func ErrorResponse(code int, message string) Response {
	return Response{Success: false, Code: code, Message: message}
}

var validate = validator.New()

func ValidateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// ErrorHandler maps returned errors to the JSON response shape.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, apperr.ErrUserInput), errors.Is(err, apperr.ErrProtocol):
		code = fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidTransition):
		code = fiber.StatusConflict
	}
	return ctx.Status(code).JSON(ErrorResponse(code, err.Error()))
}
