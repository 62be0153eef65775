package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"docforge/internal/apperr"

	"github.com/go-playground/validator/v10"
)

const (
	ActionStartProcessing = "startProcessing"

	// MaxCommandTextBytes caps the uploaded source text.
	MaxCommandTextBytes = 90 * 1024
)

var validate = validator.New()

// StartProcessingCommand is the only outbound command: it uploads source text
// for field extraction.
type StartProcessingCommand struct {
	Action       string `json:"action" validate:"required,eq=startProcessing"`
	SessionId    string `json:"session_id" validate:"required"`
	ProjectId    string `json:"project_id" validate:"required"`
	DocumentType string `json:"document_type" validate:"required"`
	Text         string `json:"text"`
}

// NewStartProcessing builds the command, truncating text to the size cap.
// The second result reports whether truncation happened.
func NewStartProcessing(sessionID, projectID, documentType, text string) (StartProcessingCommand, bool) {
	text, truncated := TruncateText(text, MaxCommandTextBytes)
	return StartProcessingCommand{
		Action:       ActionStartProcessing,
		SessionId:    sessionID,
		ProjectId:    projectID,
		DocumentType: documentType,
		Text:         text,
	}, truncated
}

// Encode validates the identifiers and marshals the command.
func (c StartProcessingCommand) Encode() ([]byte, error) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s", apperr.ErrMissingIdentifier, verrs[0].Field())
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrMissingIdentifier, err)
	}
	return json.Marshal(c)
}

// DecodeCommand is the server-side counterpart of Encode.
func DecodeCommand(data []byte) (StartProcessingCommand, error) {
	var c StartProcessingCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", apperr.ErrProtocol, err)
	}
	if err := validate.Struct(c); err != nil {
		return c, fmt.Errorf("%w: %v", apperr.ErrProtocol, err)
	}
	return c, nil
}

// TruncateText cuts s to at most max bytes without splitting a UTF-8 sequence.
func TruncateText(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
