package memory

import (
	"context"
	"time"

	"docforge/internal/entity"
	"docforge/internal/repository/contract"

	"github.com/patrickmn/go-cache"
)

type SessionRepository struct {
	cache *cache.Cache
}

var _ contract.SessionRepository = (*SessionRepository)(nil)

// NewSessionRepository keeps sessions for ttl after their last save and
// purges expired items every 10 minutes.
func NewSessionRepository(ttl time.Duration) *SessionRepository {
	c := cache.New(ttl, 10*time.Minute)
	return &SessionRepository{
		cache: c,
	}
}

func (r *SessionRepository) Save(_ context.Context, session *entity.Session) error {
	cp := session.Clone()
	r.cache.Set(session.Key().String(), &cp, cache.DefaultExpiration)
	return nil
}

func (r *SessionRepository) Get(_ context.Context, key entity.SessionKey) (*entity.Session, bool, error) {
	if x, found := r.cache.Get(key.String()); found {
		cp := x.(*entity.Session).Clone()
		return &cp, true, nil
	}
	return nil, false, nil
}

func (r *SessionRepository) Delete(_ context.Context, key entity.SessionKey) error {
	r.cache.Delete(key.String())
	return nil
}
