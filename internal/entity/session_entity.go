package entity

import (
	"fmt"
	"time"
	"unicode/utf8"

	"docforge/internal/doctype"

	"github.com/google/uuid"
)

type ViewStage string

const (
	StageInitial       ViewStage = "initial"
	StageUpload        ViewStage = "upload"
	StageQuestioning   ViewStage = "questioning"
	StagePreview       ViewStage = "preview"
	StageGenerating    ViewStage = "generating"
	StageArtifactReady ViewStage = "artifact_ready"
)

// SessionKey identifies the one session a project keeps per document type.
type SessionKey struct {
	ProjectId    string
	DocumentType doctype.Type
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s", k.ProjectId, k.DocumentType)
}

type Question struct {
	Ordinal int    `json:"ordinal"`
	Prompt  string `json:"question"`
	Answer  string `json:"answer"`
}

func (q Question) Answered() bool {
	return q.Answer != ""
}

type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

// Session is the durable generation record for one (project, document type).
//
// DisplayedText is always a prefix of StreamedText, ProgressPercent only grows
// while Completed is false, Completed implies ProgressPercent == 100, and
// StageArtifactReady implies Artifact != nil. The reducers in internal/session
// are the only code that should change these fields.
type Session struct {
	Id                uuid.UUID    `json:"id"`
	ProjectId         string       `json:"project_id"`
	DocumentType      doctype.Type `json:"document_type"`
	ViewStage         ViewStage    `json:"view_stage"`
	Questions         []Question   `json:"questions"`
	CurrentQuestion   int          `json:"current_question"`
	ConnectionAddress string       `json:"connection_address,omitempty"`
	ProgressPercent   int          `json:"progress_percent"`
	StreamedText      string       `json:"streamed_text"`
	DisplayedText     string       `json:"displayed_text"`
	Completed         bool         `json:"completed"`
	Artifact          *Artifact    `json:"artifact,omitempty"`
	Version           int64        `json:"version"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// NewSession returns an empty session in the initial stage.
func NewSession(key SessionKey) Session {
	return Session{
		Id:           uuid.New(),
		ProjectId:    key.ProjectId,
		DocumentType: key.DocumentType,
		ViewStage:    StageInitial,
	}
}

func (s Session) Key() SessionKey {
	return SessionKey{ProjectId: s.ProjectId, DocumentType: s.DocumentType}
}

// StreamedLen and DisplayedLen count characters, not bytes.
func (s Session) StreamedLen() int  { return utf8.RuneCountInString(s.StreamedText) }
func (s Session) DisplayedLen() int { return utf8.RuneCountInString(s.DisplayedText) }

// PendingReveal reports whether received text has not been shown yet.
func (s Session) PendingReveal() bool {
	return len(s.DisplayedText) < len(s.StreamedText)
}

// Current returns the question being answered, if any.
func (s Session) Current() (Question, bool) {
	if s.CurrentQuestion < 0 || s.CurrentQuestion >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentQuestion], true
}

// Clone deep-copies the slices and the artifact so callers can't alias stored state.
func (s Session) Clone() Session {
	out := s
	if s.Questions != nil {
		out.Questions = append([]Question(nil), s.Questions...)
	}
	if s.Artifact != nil {
		a := *s.Artifact
		a.Content = append([]byte(nil), s.Artifact.Content...)
		out.Artifact = &a
	}
	return out
}
