package mapper

import (
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/model"
)

type SessionMapper struct{}

func NewSessionMapper() *SessionMapper {
	return &SessionMapper{}
}

func (m *SessionMapper) ToEntity(s *model.GenerationSession) *entity.Session {
	if s == nil {
		return nil
	}

	questions := make([]entity.Question, 0, len(s.Questions))
	for _, q := range s.Questions {
		questions = append(questions, entity.Question{Ordinal: q.Ordinal, Prompt: q.Prompt, Answer: q.Answer})
	}

	var artifact *entity.Artifact
	if s.HasArtifact {
		artifact = &entity.Artifact{
			Name:        s.ArtifactName,
			ContentType: s.ArtifactContentType,
			Content:     s.ArtifactContent,
		}
	}

	return &entity.Session{
		Id:                s.Id,
		ProjectId:         s.ProjectId,
		DocumentType:      doctype.Type(s.DocumentType),
		ViewStage:         entity.ViewStage(s.ViewStage),
		Questions:         questions,
		CurrentQuestion:   s.CurrentQuestion,
		ConnectionAddress: s.ConnectionAddress,
		ProgressPercent:   s.ProgressPercent,
		StreamedText:      s.StreamedText,
		DisplayedText:     s.DisplayedText,
		Completed:         s.Completed,
		Artifact:          artifact,
		Version:           s.Version,
		UpdatedAt:         s.UpdatedAt,
	}
}

func (m *SessionMapper) ToModel(s *entity.Session) *model.GenerationSession {
	if s == nil {
		return nil
	}

	questions := make([]model.GenerationSessionQuestion, 0, len(s.Questions))
	for _, q := range s.Questions {
		questions = append(questions, model.GenerationSessionQuestion{Ordinal: q.Ordinal, Prompt: q.Prompt, Answer: q.Answer})
	}

	out := &model.GenerationSession{
		Id:                s.Id,
		ProjectId:         s.ProjectId,
		DocumentType:      string(s.DocumentType),
		ViewStage:         string(s.ViewStage),
		Questions:         questions,
		CurrentQuestion:   s.CurrentQuestion,
		ConnectionAddress: s.ConnectionAddress,
		ProgressPercent:   s.ProgressPercent,
		StreamedText:      s.StreamedText,
		DisplayedText:     s.DisplayedText,
		Completed:         s.Completed,
		Version:           s.Version,
	}
	if s.Artifact != nil {
		out.HasArtifact = true
		out.ArtifactName = s.Artifact.Name
		out.ArtifactContentType = s.Artifact.ContentType
		out.ArtifactContent = s.Artifact.Content
	}
	return out
}
