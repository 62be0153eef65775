package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/memory"
	"docforge/internal/service"
	"docforge/pkg/protocol"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = entity.SessionKey{ProjectId: "proj-1", DocumentType: doctype.BusinessPlan}

type fakeChannel struct {
	mu        sync.Mutex
	addresses []string
	sent      [][]byte
	err       error
}

func (f *fakeChannel) Connect(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, address)
	return f.err
}

func (f *fakeChannel) Send(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
}

type flakyStore struct {
	*memory.QuestionRepository
	submitErr error
	submits   int
}

func (s *flakyStore) SubmitAnswer(ctx context.Context, projectId string, docType doctype.Type, q entity.Question) error {
	s.submits++
	if s.submitErr != nil {
		return s.submitErr
	}
	return s.QuestionRepository.SubmitAnswer(ctx, projectId, docType, q)
}

type stubSuggester struct{ got entity.Question }

func (s *stubSuggester) SuggestAnswer(_ context.Context, _ doctype.Type, q entity.Question, _ []entity.Question) (string, error) {
	s.got = q
	return "A suggested answer", nil
}

type harness struct {
	ctl       *Controller
	sessions  service.ISessionService
	store     *flakyStore
	upload    *fakeChannel
	stream    *fakeChannel
	suggester *stubSuggester
}

func newHarness(t *testing.T, seed ...entity.Question) *harness {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	h := &harness{
		sessions:  service.NewSessionService(memory.NewSessionRepository(time.Hour), ps, nil, logger.NewNopLogger()),
		store:     &flakyStore{QuestionRepository: memory.NewQuestionRepository()},
		upload:    &fakeChannel{},
		stream:    &fakeChannel{},
		suggester: &stubSuggester{},
	}
	h.store.Seed(key.ProjectId, key.DocumentType, seed)
	h.ctl = New(key, Options{
		Sessions:      h.sessions,
		Store:         h.store,
		Suggester:     h.suggester,
		Upload:        h.upload,
		Stream:        h.stream,
		UploadURL:     "ws://localhost:3000/ws/upload",
		StreamBaseURL: "ws://localhost:3000/ws/generate/",
		Logger:        logger.NewNopLogger(),
		NewJobId:      func() string { return "job-1" },
	})
	state, err := h.ctl.Attach(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAwaitingSourceChoice, state)
	return h
}

func (h *harness) session(t *testing.T) entity.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	return s
}

var threeQuestions = []entity.Question{
	{Ordinal: 1, Prompt: "Company name?", Answer: "Acme"},
	{Ordinal: 2, Prompt: "Market size?"},
	{Ordinal: 3, Prompt: "Revenue model?"},
}

func TestManualFlowToReview(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()

	require.NoError(t, h.ctl.ChooseManual(ctx))
	assert.Equal(t, StateQuestioning, h.ctl.State())
	s := h.session(t)
	assert.Equal(t, entity.StageQuestioning, s.ViewStage)
	cur, _ := s.Current()
	assert.Equal(t, "Market size?", cur.Prompt)

	t.Run("empty answer rejected locally", func(t *testing.T) {
		err := h.ctl.ConfirmAnswer(ctx, "   ")
		assert.ErrorIs(t, err, apperr.ErrEmptyAnswer)
		assert.ErrorIs(t, err, apperr.ErrUserInput)
		assert.Equal(t, StateQuestioning, h.ctl.State())
		assert.Zero(t, h.store.submits)
	})

	require.NoError(t, h.ctl.ConfirmAnswer(ctx, "Large"))
	assert.Equal(t, StateQuestioning, h.ctl.State())
	cur, _ = h.session(t).Current()
	assert.Equal(t, "Revenue model?", cur.Prompt)

	require.NoError(t, h.ctl.ConfirmAnswer(ctx, "Subscriptions"))
	assert.Equal(t, StateReviewing, h.ctl.State())

	s = h.session(t)
	assert.Equal(t, entity.StagePreview, s.ViewStage)
	require.Len(t, s.Questions, 3, "review shows the persisted set including earlier answers")
	assert.Equal(t, "Acme", s.Questions[0].Answer)
	assert.Equal(t, "Subscriptions", s.Questions[2].Answer)
}

func TestManualWithNothingUnansweredGoesToReview(t *testing.T) {
	h := newHarness(t, entity.Question{Ordinal: 1, Prompt: "Name?", Answer: "Acme"})

	require.NoError(t, h.ctl.ChooseManual(context.Background()))
	assert.Equal(t, StateReviewing, h.ctl.State())
}

func TestConfirmFailureKeepsState(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()
	require.NoError(t, h.ctl.ChooseManual(ctx))

	h.store.submitErr = errors.New("store down")
	assert.ErrorContains(t, h.ctl.ConfirmAnswer(ctx, "Large"), "store down")

	cur, _ := h.session(t).Current()
	assert.Equal(t, "Market size?", cur.Prompt)
	assert.Empty(t, cur.Answer)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctl.ConfirmAnswer(ctx, "x"), apperr.ErrInvalidTransition)
	assert.ErrorIs(t, h.ctl.EditAnswer(ctx, 1, "x"), apperr.ErrInvalidTransition)
	_, err := h.ctl.Submit(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = h.ctl.SuggestAnswer(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestUploadWithMissingFields(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()

	require.NoError(t, h.ctl.ChooseUpload(ctx, "We are Acme."))
	assert.Equal(t, StateUploading, h.ctl.State())
	assert.Equal(t, entity.StageUpload, h.session(t).ViewStage)
	require.Len(t, h.upload.sent, 1)
	assert.Equal(t, []string{"ws://localhost:3000/ws/upload"}, h.upload.addresses)

	cmd, err := protocol.DecodeCommand(h.upload.sent[0])
	require.NoError(t, err)
	assert.Equal(t, "proj-1", cmd.ProjectId)
	assert.Equal(t, "business_plan", cmd.DocumentType)
	assert.Equal(t, h.session(t).Id.String(), cmd.SessionId)
	assert.Equal(t, "We are Acme.", cmd.Text)

	require.NoError(t, h.ctl.HandleUploadFrame(ctx, protocol.Frame{Type: protocol.FrameProcessingStarted}))
	assert.Equal(t, StateUploading, h.ctl.State())

	require.NoError(t, h.ctl.HandleUploadFrame(ctx, protocol.Frame{
		Type:              protocol.FrameQuestionsNeedAnswers,
		NotFoundQuestions: []string{"Market size?", "Team size?", "Market size?"},
	}))
	assert.Equal(t, StateQuestioning, h.ctl.State())

	s := h.session(t)
	require.Len(t, s.Questions, 2)
	assert.Equal(t, entity.Question{Ordinal: 2, Prompt: "Market size?"}, s.Questions[0])
	assert.Equal(t, entity.Question{Ordinal: 4, Prompt: "Team size?"}, s.Questions[1])
}

func TestUploadProcessingComplete(t *testing.T) {
	t.Run("not found values seed questioning", func(t *testing.T) {
		h := newHarness(t, threeQuestions...)
		ctx := context.Background()
		require.NoError(t, h.ctl.ChooseUpload(ctx, "text"))

		require.NoError(t, h.ctl.HandleUploadFrame(ctx, protocol.Frame{
			Type:    protocol.FrameProcessingComplete,
			Results: map[string]string{"Revenue model?": protocol.NotFound, "Market size?": "Big"},
		}))
		assert.Equal(t, StateQuestioning, h.ctl.State())
		cur, _ := h.session(t).Current()
		assert.Equal(t, "Revenue model?", cur.Prompt)
	})

	t.Run("everything extracted skips to review", func(t *testing.T) {
		h := newHarness(t, threeQuestions...)
		ctx := context.Background()
		require.NoError(t, h.ctl.ChooseUpload(ctx, "text"))

		require.NoError(t, h.ctl.HandleUploadFrame(ctx, protocol.Frame{
			Type:    protocol.FrameProcessingComplete,
			Results: map[string]string{"Market size?": "Big"},
		}))
		assert.Equal(t, StateReviewing, h.ctl.State())
	})
}

func TestUploadTruncatesLargeText(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctl.ChooseUpload(context.Background(), strings.Repeat("é", protocol.MaxCommandTextBytes)))

	cmd, err := protocol.DecodeCommand(h.upload.sent[0])
	require.NoError(t, err)
	assert.LessOrEqual(t, len(cmd.Text), protocol.MaxCommandTextBytes)
	assert.Equal(t, protocol.MaxCommandTextBytes/2, len([]rune(cmd.Text)))
}

func TestUploadMissingIdentifier(t *testing.T) {
	h := newHarness(t)
	ctl := New(entity.SessionKey{DocumentType: doctype.BusinessPlan}, h.ctl.opts)
	_, err := ctl.Attach(context.Background())
	require.NoError(t, err)

	err = ctl.ChooseUpload(context.Background(), "text")
	assert.ErrorIs(t, err, apperr.ErrMissingIdentifier)
	assert.Empty(t, h.upload.sent, "never reaches the network")
}

func TestUploadConnectFailureStillQueues(t *testing.T) {
	h := newHarness(t)
	h.upload.err = apperr.ErrTransport

	err := h.ctl.ChooseUpload(context.Background(), "text")
	assert.ErrorIs(t, err, apperr.ErrTransport)
	assert.Len(t, h.upload.sent, 1)
}

func TestReviewEditSuggestAndSubmit(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()
	require.NoError(t, h.ctl.ChooseManual(ctx))

	suggestion, err := h.ctl.SuggestAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A suggested answer", suggestion)
	assert.Equal(t, "Market size?", h.suggester.got.Prompt)

	require.NoError(t, h.ctl.ConfirmAnswer(ctx, suggestion))
	require.NoError(t, h.ctl.ConfirmAnswer(ctx, "Ads"))
	require.Equal(t, StateReviewing, h.ctl.State())

	assert.ErrorIs(t, h.ctl.EditAnswer(ctx, 3, ""), apperr.ErrEmptyAnswer)
	assert.ErrorIs(t, h.ctl.EditAnswer(ctx, 9, "x"), apperr.ErrUserInput)
	require.NoError(t, h.ctl.EditAnswer(ctx, 3, "Subscriptions"))
	all, _ := h.store.FetchAllAnswered(ctx, key.ProjectId, key.DocumentType)
	assert.Equal(t, "Subscriptions", all[2].Answer)

	address, err := h.ctl.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/ws/generate/job-1?document_type=business_plan&project_id=proj-1", address)
	assert.Equal(t, StateGenerating, h.ctl.State())
	assert.Equal(t, []string{address}, h.stream.addresses)

	s := h.session(t)
	assert.Equal(t, entity.StageGenerating, s.ViewStage)
	assert.Equal(t, address, s.ConnectionAddress)
	assert.Zero(t, s.ProgressPercent)
}

func TestDetachMidFlowClearsQuestions(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()
	require.NoError(t, h.ctl.ChooseManual(ctx))
	require.NotEmpty(t, h.session(t).Questions)

	h.ctl.Detach(ctx)
	assert.Equal(t, StateDetached, h.ctl.State())
	assert.Empty(t, h.session(t).Questions)

	h.store.Seed(key.ProjectId, key.DocumentType, []entity.Question{{Ordinal: 5, Prompt: "Added later?"}})
	state, err := h.ctl.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateQuestioning, state)
	assert.Len(t, h.session(t).Questions, 3, "refetched from the store")
}

func TestStartOver(t *testing.T) {
	h := newHarness(t, threeQuestions...)
	ctx := context.Background()
	require.NoError(t, h.ctl.ChooseManual(ctx))
	before := h.session(t).Id

	require.NoError(t, h.ctl.StartOver(ctx))
	assert.Equal(t, StateAwaitingSourceChoice, h.ctl.State())
	s := h.session(t)
	assert.NotEqual(t, before, s.Id)
	assert.Equal(t, entity.StageInitial, s.ViewStage)
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, StateAwaitingSourceChoice, StateFor(entity.StageInitial))
	assert.Equal(t, StateUploading, StateFor(entity.StageUpload))
	assert.Equal(t, StateQuestioning, StateFor(entity.StageQuestioning))
	assert.Equal(t, StateReviewing, StateFor(entity.StagePreview))
	assert.Equal(t, StateGenerating, StateFor(entity.StageGenerating))
	assert.Equal(t, StateGenerating, StateFor(entity.StageArtifactReady))
}
