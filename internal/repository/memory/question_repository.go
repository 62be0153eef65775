package memory

import (
	"context"
	"sort"
	"sync"

	"docforge/internal/collaborator"
	"docforge/internal/doctype"
	"docforge/internal/entity"
)

// QuestionRepository is an in-process question store. The dev server serves
// it over REST and tests use it directly.
type QuestionRepository struct {
	mu        sync.RWMutex
	questions map[string]map[int]entity.Question
}

var _ collaborator.QuestionStore = (*QuestionRepository)(nil)

func NewQuestionRepository() *QuestionRepository {
	return &QuestionRepository{questions: map[string]map[int]entity.Question{}}
}

func documentKey(projectId string, docType doctype.Type) string {
	return entity.SessionKey{ProjectId: projectId, DocumentType: docType}.String()
}

// Seed adds the questions a project starts with, keeping answers already given.
func (r *QuestionRepository) Seed(projectId string, docType doctype.Type, qs []entity.Question) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := documentKey(projectId, docType)
	if r.questions[k] == nil {
		r.questions[k] = map[int]entity.Question{}
	}
	for _, q := range qs {
		if existing, ok := r.questions[k][q.Ordinal]; ok && existing.Answered() {
			continue
		}
		r.questions[k][q.Ordinal] = q
	}
}

func (r *QuestionRepository) list(projectId string, docType doctype.Type, keep func(entity.Question) bool) []entity.Question {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []entity.Question{}
	for _, q := range r.questions[documentKey(projectId, docType)] {
		if keep(q) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (r *QuestionRepository) FetchUnanswered(_ context.Context, projectId string, docType doctype.Type) ([]entity.Question, error) {
	return r.list(projectId, docType, func(q entity.Question) bool { return !q.Answered() }), nil
}

func (r *QuestionRepository) FetchAllAnswered(_ context.Context, projectId string, docType doctype.Type) ([]entity.Question, error) {
	return r.list(projectId, docType, func(entity.Question) bool { return true }), nil
}

// SubmitAnswer upserts by ordinal. An empty prompt keeps the stored one.
func (r *QuestionRepository) SubmitAnswer(_ context.Context, projectId string, docType doctype.Type, q entity.Question) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := documentKey(projectId, docType)
	if r.questions[k] == nil {
		r.questions[k] = map[int]entity.Question{}
	}
	if existing, ok := r.questions[k][q.Ordinal]; ok && q.Prompt == "" {
		q.Prompt = existing.Prompt
	}
	r.questions[k][q.Ordinal] = q
	return nil
}
