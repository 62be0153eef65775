package contract

import (
	"context"

	"docforge/internal/entity"
)

// SessionRepository persists generation sessions so they survive restarts.
// Get reports found=false (and no error) when nothing is stored for key.
type SessionRepository interface {
	Get(ctx context.Context, key entity.SessionKey) (*entity.Session, bool, error)
	Save(ctx context.Context, session *entity.Session) error
	Delete(ctx context.Context, key entity.SessionKey) error
}
