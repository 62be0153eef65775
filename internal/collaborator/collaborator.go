// Package collaborator declares the outside services the generation core
// depends on. Implementations live under pkg/.
package collaborator

import (
	"context"

	"docforge/internal/doctype"
	"docforge/internal/entity"
)

// QuestionStore is the durable home of questions and answers.
type QuestionStore interface {
	FetchUnanswered(ctx context.Context, projectId string, docType doctype.Type) ([]entity.Question, error)
	FetchAllAnswered(ctx context.Context, projectId string, docType doctype.Type) ([]entity.Question, error)
	SubmitAnswer(ctx context.Context, projectId string, docType doctype.Type, q entity.Question) error
}

// ArtifactFetcher downloads the finished document of a completed job.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, projectId string, docType doctype.Type) (*entity.Artifact, error)
}

// AnswerSuggester drafts an answer for a question.
type AnswerSuggester interface {
	SuggestAnswer(ctx context.Context, docType doctype.Type, q entity.Question, answered []entity.Question) (string, error)
}

// ArtifactArchive keeps a copy of every fetched artifact.
type ArtifactArchive interface {
	Put(ctx context.Context, key entity.SessionKey, a *entity.Artifact) (string, error)
}

// Connector opens the stream connection at an address.
type Connector interface {
	Connect(ctx context.Context, address string) error
}
