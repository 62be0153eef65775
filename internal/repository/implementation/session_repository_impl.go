package implementation

import (
	"context"
	"errors"

	"docforge/internal/entity"
	"docforge/internal/mapper"
	"docforge/internal/model"
	"docforge/internal/repository/contract"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sessionRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.SessionMapper
}

// NewSessionRepository stores sessions in Postgres, one row per
// (project_id, document_type).
func NewSessionRepository(db *gorm.DB) contract.SessionRepository {
	return &sessionRepositoryImpl{
		db:     db,
		mapper: mapper.NewSessionMapper(),
	}
}

// AutoMigrate creates the generation_sessions table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.GenerationSession{})
}

func (r *sessionRepositoryImpl) Get(ctx context.Context, key entity.SessionKey) (*entity.Session, bool, error) {
	var row model.GenerationSession
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND document_type = ?", key.ProjectId, string(key.DocumentType)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return r.mapper.ToEntity(&row), true, nil
}

// upsertColumns includes id: a reset session keeps its key but gets a new id.
var upsertColumns = []string{
	"id", "view_stage", "questions", "current_question", "connection_address",
	"progress_percent", "streamed_text", "displayed_text", "completed",
	"artifact_name", "artifact_content_type", "artifact_content", "has_artifact",
	"version", "updated_at",
}

func (r *sessionRepositoryImpl) Save(ctx context.Context, session *entity.Session) error {
	row := r.mapper.ToModel(session)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "document_type"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(row).Error
}

func (r *sessionRepositoryImpl) Delete(ctx context.Context, key entity.SessionKey) error {
	return r.db.WithContext(ctx).
		Where("project_id = ? AND document_type = ?", key.ProjectId, string(key.DocumentType)).
		Delete(&model.GenerationSession{}).Error
}
