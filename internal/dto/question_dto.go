package dto

// AnswerRequest is the body of PUT .../questions/:ordinal.
type AnswerRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer" validate:"required"`
}
