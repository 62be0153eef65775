package memory

import (
	"docforge/internal/entity"

	"github.com/patrickmn/go-cache"
)

// ArtifactRepository holds finished documents for the dev server's artifact
// endpoint, one per (project, document type).
type ArtifactRepository struct {
	cache *cache.Cache
}

func NewArtifactRepository() *ArtifactRepository {
	return &ArtifactRepository{cache: cache.New(cache.NoExpiration, 0)}
}

func (r *ArtifactRepository) Put(key entity.SessionKey, a *entity.Artifact) {
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)
	r.cache.Set(key.String(), &cp, cache.NoExpiration)
}

func (r *ArtifactRepository) Get(key entity.SessionKey) (*entity.Artifact, bool) {
	x, found := r.cache.Get(key.String())
	if !found {
		return nil, false
	}
	a := *x.(*entity.Artifact)
	a.Content = append([]byte(nil), a.Content...)
	return &a, true
}

// Delete drops the artifact so a new generation starts clean.
func (r *ArtifactRepository) Delete(key entity.SessionKey) {
	r.cache.Delete(key.String())
}
