package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GenerationSessionQuestion is the JSON shape of one stored question.
type GenerationSessionQuestion struct {
	Ordinal int    `json:"ordinal"`
	Prompt  string `json:"question"`
	Answer  string `json:"answer"`
}

type GenerationSession struct {
	Id                  uuid.UUID                                      `gorm:"type:uuid;primaryKey"`
	ProjectId           string                                         `gorm:"type:varchar(100);not null;uniqueIndex:idx_generation_sessions_key,priority:1"`
	DocumentType        string                                         `gorm:"type:varchar(50);not null;uniqueIndex:idx_generation_sessions_key,priority:2"`
	ViewStage           string                                         `gorm:"type:varchar(20);not null"`
	Questions           datatypes.JSONSlice[GenerationSessionQuestion] `gorm:"type:jsonb"`
	CurrentQuestion     int                                            `gorm:"not null;default:0"`
	ConnectionAddress   string                                         `gorm:"type:text"`
	ProgressPercent     int                                            `gorm:"not null;default:0"`
	StreamedText        string                                         `gorm:"type:text"`
	DisplayedText       string                                         `gorm:"type:text"`
	Completed           bool                                           `gorm:"not null;default:false"`
	ArtifactName        string                                         `gorm:"type:varchar(200)"`
	ArtifactContentType string                                         `gorm:"type:varchar(100)"`
	ArtifactContent     []byte                                         `gorm:"type:bytea"`
	HasArtifact         bool                                           `gorm:"not null;default:false"`
	Version             int64                                          `gorm:"not null;default:0"`
	CreatedAt           time.Time                                      `gorm:"autoCreateTime"`
	UpdatedAt           time.Time                                      `gorm:"autoUpdateTime"`
}

func (GenerationSession) TableName() string {
	return "generation_sessions"
}
