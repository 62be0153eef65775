// Package flow drives the question and answer loop that precedes generation.
package flow

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"docforge/internal/apperr"
	"docforge/internal/collaborator"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/service"
	"docforge/internal/session"
	"docforge/pkg/protocol"

	"github.com/google/uuid"
)

type State string

const (
	StateDetached             State = ""
	StateAwaitingSourceChoice State = "awaiting_source_choice"
	StateUploading            State = "uploading"
	StateQuestioning          State = "questioning"
	StateReviewing            State = "reviewing"
	StateSubmitting           State = "submitting"
	StateGenerating           State = "generating"
)

// StateFor maps a stored view stage to the flow state it resumes in.
func StateFor(stage entity.ViewStage) State {
	switch stage {
	case entity.StageUpload:
		return StateUploading
	case entity.StageQuestioning:
		return StateQuestioning
	case entity.StagePreview:
		return StateReviewing
	case entity.StageGenerating, entity.StageArtifactReady:
		return StateGenerating
	}
	return StateAwaitingSourceChoice
}

// CommandChannel is the outbound upload connection.
type CommandChannel interface {
	Connect(ctx context.Context, address string) error
	Send(payload []byte)
}

type Options struct {
	Sessions      service.ISessionService
	Store         collaborator.QuestionStore
	Suggester     collaborator.AnswerSuggester
	Upload        CommandChannel
	Stream        collaborator.Connector
	UploadURL     string
	StreamBaseURL string
	Logger        logger.ILogger

	// NewJobId names generation jobs. Defaults to random UUIDs.
	NewJobId func() string
}

// Controller is the per-screen flow state machine. Operations are serialized.
type Controller struct {
	key  entity.SessionKey
	opts Options

	mu    sync.Mutex
	state State
}

func New(key entity.SessionKey, opts Options) *Controller {
	if opts.NewJobId == nil {
		opts.NewJobId = func() string { return uuid.NewString() }
	}
	return &Controller{key: key, opts: opts}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) require(want ...State) error {
	for _, s := range want {
		if c.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", apperr.ErrInvalidTransition, c.state)
}

// Attach resumes the flow from the stored session. Question lists dropped by
// Detach are fetched again.
func (c *Controller) Attach(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return c.state, err
	}
	c.state = StateFor(s.ViewStage)

	switch {
	case c.state == StateQuestioning && len(s.Questions) == 0:
		err = c.startQuestioning(ctx)
	case c.state == StateReviewing && len(s.Questions) == 0:
		err = c.enterReviewing(ctx)
	}
	return c.state, err
}

// Detach clears the question list when leaving mid-flow so the next Attach
// reads it from the store again.
func (c *Controller) Detach(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUploading, StateQuestioning, StateReviewing:
		if _, err := c.opts.Sessions.Update(ctx, c.key, session.ClearQuestions()); err != nil {
			c.opts.Logger.Warn("FLOW", "Failed to clear questions on detach", map[string]interface{}{
				"key":   c.key.String(),
				"error": err.Error(),
			})
		}
	}
	c.state = StateDetached
}

// ChooseUpload sends the source text for field extraction. Upload frames
// passed to HandleUploadFrame decide what comes next.
func (c *Controller) ChooseUpload(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateAwaitingSourceChoice, StateUploading); err != nil {
		return err
	}
	if c.key.ProjectId == "" || c.key.DocumentType == "" {
		return apperr.ErrMissingIdentifier
	}

	s, err := c.opts.Sessions.Update(ctx, c.key, session.SetViewStage(entity.StageUpload))
	if err != nil {
		return err
	}
	c.state = StateUploading

	cmd, truncated := protocol.NewStartProcessing(s.Id.String(), c.key.ProjectId, string(c.key.DocumentType), text)
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	if truncated {
		c.opts.Logger.Warn("FLOW", "Upload text truncated", map[string]interface{}{
			"key":       c.key.String(),
			"max_bytes": protocol.MaxCommandTextBytes,
		})
	}

	connErr := c.opts.Upload.Connect(ctx, c.opts.UploadURL)
	c.opts.Upload.Send(payload)
	return connErr
}

// ChooseManual starts answering the unanswered questions, or goes straight
// to review when there are none.
func (c *Controller) ChooseManual(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateAwaitingSourceChoice); err != nil {
		return err
	}
	return c.startQuestioning(ctx)
}

func (c *Controller) startQuestioning(ctx context.Context) error {
	qs, err := c.opts.Store.FetchUnanswered(ctx, c.key.ProjectId, c.key.DocumentType)
	if err != nil {
		return fmt.Errorf("fetch unanswered questions: %w", err)
	}
	if len(qs) == 0 {
		return c.enterReviewing(ctx)
	}
	return c.enterQuestioning(ctx, qs)
}

func (c *Controller) enterQuestioning(ctx context.Context, qs []entity.Question) error {
	if _, err := c.opts.Sessions.Update(ctx, c.key,
		session.SetQuestions(qs),
		session.SetViewStage(entity.StageQuestioning),
	); err != nil {
		return err
	}
	c.state = StateQuestioning
	return nil
}

// enterReviewing reloads every answer from the store so review shows what
// was persisted.
func (c *Controller) enterReviewing(ctx context.Context) error {
	qs, err := c.opts.Store.FetchAllAnswered(ctx, c.key.ProjectId, c.key.DocumentType)
	if err != nil {
		return fmt.Errorf("fetch answered questions: %w", err)
	}
	if _, err := c.opts.Sessions.Update(ctx, c.key,
		session.SetQuestions(qs),
		session.SetViewStage(entity.StagePreview),
	); err != nil {
		return err
	}
	c.state = StateReviewing
	return nil
}

// HandleUploadFrame applies one frame from the upload channel. Frames that
// don't move the flow are ignored.
func (c *Controller) HandleUploadFrame(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUploading {
		return nil
	}
	switch f.Type {
	case protocol.FrameQuestionsNeedAnswers:
		return c.seedFromMissing(ctx, f.NotFoundQuestions)
	case protocol.FrameProcessingComplete:
		if missing := f.MissingFields(); len(missing) > 0 {
			sort.Strings(missing)
			return c.seedFromMissing(ctx, missing)
		}
		return c.enterReviewing(ctx)
	}
	return nil
}

// seedFromMissing builds the questioning list from prompts the parser could
// not answer, reusing the store's ordinals where the prompt is known.
func (c *Controller) seedFromMissing(ctx context.Context, prompts []string) error {
	known, err := c.opts.Store.FetchUnanswered(ctx, c.key.ProjectId, c.key.DocumentType)
	if err != nil {
		c.opts.Logger.Warn("FLOW", "Unanswered questions unavailable, using upload prompts", map[string]interface{}{
			"key":   c.key.String(),
			"error": err.Error(),
		})
	}

	byPrompt := make(map[string]entity.Question, len(known))
	next := 1
	for _, q := range known {
		byPrompt[strings.TrimSpace(q.Prompt)] = q
		if q.Ordinal >= next {
			next = q.Ordinal + 1
		}
	}

	qs := make([]entity.Question, 0, len(prompts))
	seen := map[string]bool{}
	for _, p := range prompts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if q, ok := byPrompt[p]; ok {
			qs = append(qs, q)
			continue
		}
		qs = append(qs, entity.Question{Ordinal: next, Prompt: p})
		next++
	}
	if len(qs) == 0 {
		return c.enterReviewing(ctx)
	}
	return c.enterQuestioning(ctx, qs)
}

// ConfirmAnswer persists the answer to the current question, then moves to
// the next unanswered one or, after the last, to review.
func (c *Controller) ConfirmAnswer(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateQuestioning); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.ErrEmptyAnswer
	}

	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return err
	}
	q, ok := s.Current()
	if !ok {
		return c.enterReviewing(ctx)
	}
	q.Answer = text
	if err := c.opts.Store.SubmitAnswer(ctx, c.key.ProjectId, c.key.DocumentType, q); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}

	s, err = c.opts.Sessions.Update(ctx, c.key, session.UpsertAnswer(q.Ordinal, text), session.AdvanceToNextQuestion())
	if err != nil {
		return err
	}
	if _, more := s.Current(); more {
		return nil
	}
	return c.enterReviewing(ctx)
}

// EditAnswer changes an answer during review.
func (c *Controller) EditAnswer(ctx context.Context, ordinal int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateReviewing); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.ErrEmptyAnswer
	}

	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return err
	}
	var q *entity.Question
	for i := range s.Questions {
		if s.Questions[i].Ordinal == ordinal {
			q = &s.Questions[i]
			break
		}
	}
	if q == nil {
		return fmt.Errorf("%w: no question %d", apperr.ErrUserInput, ordinal)
	}
	q.Answer = text
	if err := c.opts.Store.SubmitAnswer(ctx, c.key.ProjectId, c.key.DocumentType, *q); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	_, err = c.opts.Sessions.Update(ctx, c.key, session.UpsertAnswer(ordinal, text))
	return err
}

// SuggestAnswer drafts an answer for the current question. Nothing is saved.
func (c *Controller) SuggestAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateQuestioning); err != nil {
		return "", err
	}
	if c.opts.Suggester == nil {
		return "", fmt.Errorf("%w: answer suggestions are not configured", apperr.ErrInvalidTransition)
	}
	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return "", err
	}
	q, ok := s.Current()
	if !ok {
		return "", fmt.Errorf("%w: no current question", apperr.ErrInvalidTransition)
	}
	return c.opts.Suggester.SuggestAnswer(ctx, c.key.DocumentType, q, s.Questions)
}

// StreamAddress is where the generation job for jobId streams its output.
func StreamAddress(base string, key entity.SessionKey, jobId string) string {
	q := url.Values{}
	q.Set("project_id", key.ProjectId)
	q.Set("document_type", string(key.DocumentType))
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(jobId) + "?" + q.Encode()
}

// Submit starts generation: progress and text are reset, the stream address
// is stored, and the stream connection is opened.
func (c *Controller) Submit(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.require(StateReviewing); err != nil {
		return "", err
	}
	c.state = StateSubmitting

	address := StreamAddress(c.opts.StreamBaseURL, c.key, c.opts.NewJobId())
	if _, err := c.opts.Sessions.Update(ctx, c.key,
		session.ResetProgress(),
		session.SetConnectionAddress(address),
		session.SetViewStage(entity.StageGenerating),
	); err != nil {
		c.state = StateReviewing
		return "", err
	}
	c.state = StateGenerating

	c.opts.Logger.Info("FLOW", "Generation submitted", map[string]interface{}{
		"key":     c.key.String(),
		"address": address,
	})
	return address, c.opts.Stream.Connect(ctx, address)
}

// StartOver discards the session and returns to the source choice.
func (c *Controller) StartOver(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.opts.Sessions.Update(ctx, c.key, session.Reset()); err != nil {
		return err
	}
	c.state = StateAwaitingSourceChoice
	return nil
}
