// Package protocol defines the JSON frames exchanged with the generation backend.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"docforge/internal/apperr"
)

type FrameType string

const (
	FrameProcessingStarted    FrameType = "processing_started"
	FrameAnalyzingDocument    FrameType = "analyzing_document"
	FrameQuestionsNeedAnswers FrameType = "questions_need_answers"
	FrameProcessingComplete   FrameType = "processing_complete"
	FrameProgress             FrameType = "progress"
	FrameGenerationComplete   FrameType = "generation_complete"
	FrameError                FrameType = "error"
)

// NotFound is the value processing_complete uses for fields the parser
// could not extract from the uploaded source.
const NotFound = "Not Found"

// Frame is one inbound message. Only the fields of its Type are meaningful.
type Frame struct {
	Type         FrameType `json:"type,omitempty"`
	SessionId    string    `json:"session_id,omitempty"`
	DocumentType string    `json:"document_type,omitempty"`

	NotFoundQuestions []string          `json:"not_found_questions,omitempty"`
	Results           map[string]string `json:"results,omitempty"`

	Progress     *float64 `json:"progress,omitempty"`
	ContentDelta string   `json:"contentDelta,omitempty"`
	// Offset is the character position of ContentDelta in the full stream.
	Offset *int `json:"offset,omitempty"`

	Message string `json:"message,omitempty"`
}

// Decode parses and validates one frame. Progress frames may arrive untagged.
// Every failure wraps apperr.ErrProtocol.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", apperr.ErrProtocol, err)
	}
	if f.Type == "" && (f.Progress != nil || f.ContentDelta != "") {
		f.Type = FrameProgress
	}

	switch f.Type {
	case FrameProcessingStarted, FrameAnalyzingDocument, FrameGenerationComplete:
	case FrameQuestionsNeedAnswers:
		if len(f.NotFoundQuestions) == 0 {
			return Frame{}, fmt.Errorf("%w: questions_need_answers without questions", apperr.ErrProtocol)
		}
	case FrameProcessingComplete:
	case FrameProgress:
		if f.Progress != nil && (math.IsNaN(*f.Progress) || math.IsInf(*f.Progress, 0)) {
			return Frame{}, fmt.Errorf("%w: progress is not a number", apperr.ErrProtocol)
		}
		if f.Offset != nil && *f.Offset < 0 {
			return Frame{}, fmt.Errorf("%w: negative offset", apperr.ErrProtocol)
		}
	case FrameError:
		if f.Message == "" {
			f.Message = "the generation service reported an error"
		}
	case "":
		return Frame{}, fmt.Errorf("%w: frame without type", apperr.ErrProtocol)
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", apperr.ErrProtocol, f.Type)
	}
	return f, nil
}

// Encode is used by the dev server and tests.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Percent returns the rounded progress, or -1 if the frame carries none.
func (f Frame) Percent() int {
	if f.Progress == nil {
		return -1
	}
	return int(math.Round(*f.Progress))
}

// MissingFields lists the questions processing_complete could not answer.
func (f Frame) MissingFields() []string {
	var out []string
	for q, a := range f.Results {
		if a == NotFound {
			out = append(out, q)
		}
	}
	return out
}

// ProgressFrame builds a progress frame.
func ProgressFrame(percent float64, offset int, delta string) Frame {
	return Frame{Type: FrameProgress, Progress: &percent, Offset: &offset, ContentDelta: delta}
}
