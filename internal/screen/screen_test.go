package screen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/flow"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/memory"
	"docforge/internal/service"
	"docforge/internal/session"
	"docforge/internal/websocket"
	"docforge/pkg/protocol"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errClosed = errors.New("closed")

// pipeConn is fed by the test through in.
type pipeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.done:
		return nil, errClosed
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type pipeTransport struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
	dials int
}

func (t *pipeTransport) Dial(_ context.Context, address string) (websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	c := &pipeConn{in: make(chan []byte, 64), done: make(chan struct{})}
	t.conns[address] = c
	return c, nil
}

func (t *pipeTransport) conn(address string) *pipeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[address]
}

func (t *pipeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type staticFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *staticFetcher) FetchArtifact(context.Context, string, doctype.Type) (*entity.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &entity.Artifact{Name: "business-plan.md", Content: []byte("# Plan")}, nil
}

const (
	uploadURL  = "ws://dev/ws/upload"
	streamBase = "ws://dev/ws/generate"
	jobAddress = "ws://dev/ws/generate/job-1?document_type=business_plan&project_id=proj-1"
)

type harness struct {
	sessions  service.ISessionService
	transport *pipeTransport
	stream    *websocket.Manager
	upload    *websocket.Manager
	store     *memory.QuestionRepository
	fetcher   *staticFetcher
	key       entity.SessionKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr := &pipeTransport{conns: map[string]*pipeConn{}}
	h := &harness{
		sessions:  service.NewSessionService(memory.NewSessionRepository(time.Hour), ps, nil, logger.NewNopLogger()),
		transport: tr,
		stream:    websocket.NewManager("stream", tr, logger.NewNopLogger()),
		upload:    websocket.NewManager("upload", tr, logger.NewNopLogger()),
		store:     memory.NewQuestionRepository(),
		fetcher:   &staticFetcher{},
		key:       entity.SessionKey{ProjectId: "proj-1", DocumentType: doctype.BusinessPlan},
	}
	t.Cleanup(func() {
		_ = h.stream.Close()
		_ = h.upload.Close()
		_ = ps.Close()
	})
	return h
}

func (h *harness) screen(t *testing.T, interval time.Duration) *Screen {
	t.Helper()
	s, err := New(h.key.ProjectId, h.key.DocumentType, Options{
		Sessions:       h.sessions,
		Stream:         h.stream,
		Upload:         h.upload,
		Store:          h.store,
		Fetcher:        h.fetcher,
		UploadURL:      uploadURL,
		StreamBaseURL:  streamBase,
		RevealInterval: interval,
		GraceDelay:     time.Second,
		Logger:         logger.NewNopLogger(),
		NewJobId:       func() string { return "job-1" },
	})
	require.NoError(t, err)
	return s
}

func (h *harness) seed(t *testing.T, muts ...session.Mutator) {
	t.Helper()
	_, err := h.sessions.Update(context.Background(), h.key, muts...)
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T) entity.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), h.key)
	require.NoError(t, err)
	return s
}

func frame(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	b, err := protocol.Encode(f)
	require.NoError(t, err)
	return b
}

func (h *harness) push(t *testing.T, address string, f protocol.Frame) {
	t.Helper()
	var c *pipeConn
	require.Eventually(t, func() bool {
		c = h.transport.conn(address)
		return c != nil
	}, time.Second, time.Millisecond)
	c.in <- frame(t, f)
}

func TestNewRejectsUnknownDocumentType(t *testing.T) {
	h := newHarness(t)
	_, err := New("proj-1", doctype.Type("memo"), Options{Sessions: h.sessions})
	assert.ErrorIs(t, err, apperr.ErrUserInput)
}

func TestScenarioFreshStreamToCompletion(t *testing.T) {
	h := newHarness(t)
	h.store.Seed("proj-1", doctype.BusinessPlan, []entity.Question{{Ordinal: 1, Prompt: "Name?", Answer: "Acme"}})
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Mount(ctx))
	require.NoError(t, s.ChooseManual(ctx))
	require.NoError(t, s.Submit(ctx))
	assert.Equal(t, jobAddress, h.get(t).ConnectionAddress)

	chunks := []string{"Hel", "lo, ", "Wor", "ld", "!"}
	offset := 0
	for i, c := range chunks {
		h.push(t, jobAddress, protocol.ProgressFrame(float64(i*25), offset, c))
		offset += len(c)
	}
	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete})

	require.Eventually(t, func() bool {
		return h.get(t).ViewStage == entity.StageArtifactReady
	}, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	got := h.get(t)
	assert.Equal(t, "Hello, World!", got.StreamedText)
	assert.Equal(t, "Hello, World!", got.DisplayedText)
	assert.True(t, got.Completed)
	assert.Equal(t, 100, got.ProgressPercent)

	v, err := s.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, "business-plan.md", v.ArtifactName)
	assert.False(t, v.Caret)
	assert.Empty(t, v.Notices)
	s.Unmount(ctx)
}

func seedMidStream(t *testing.T, h *harness, displayed string) {
	h.seed(t,
		session.SetViewStage(entity.StageGenerating),
		session.SetConnectionAddress(jobAddress),
		session.SetProgress(60),
		session.AppendStreamedText(session.Chunk("Hello, World!")),
		session.SetDisplayedText(displayed),
	)
}

func TestScenarioCompletionDuringReveal(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hel")
	s := h.screen(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Mount(ctx))
	v, _ := s.View(ctx)
	assert.True(t, v.Caret, "reveal resumed")
	assert.Equal(t, "Hel", v.DisplayedText)
	assert.Equal(t, 1, h.transport.Dials(), "recovery reconnected to the stored address")

	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete})
	require.Eventually(t, func() bool {
		return h.get(t).DisplayedText == "Hello, World!"
	}, time.Second, time.Millisecond)
	s.Wait()

	v, _ = s.View(ctx)
	assert.False(t, v.Caret)
	assert.True(t, v.Completed)
	s.Unmount(ctx)
}

func TestRetransmittedDeltaIsNotDuplicated(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello, World!")
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	// The server replays from the start after a reconnect.
	h.push(t, jobAddress, protocol.ProgressFrame(60, 0, "Hello, "))
	h.push(t, jobAddress, protocol.ProgressFrame(70, 7, "World! More"))
	h.push(t, jobAddress, protocol.ProgressFrame(80, 18, " text"))

	require.Eventually(t, func() bool {
		return h.get(t).DisplayedText == "Hello, World! More text"
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "Hello, World! More text", h.get(t).StreamedText)
	assert.Equal(t, 80, h.get(t).ProgressPercent)
	s.Unmount(ctx)
}

func TestScenarioRemountResumesReveal(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello")
	s := h.screen(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Mount(ctx))
	s.Unmount(ctx)
	stopped := h.get(t).DisplayedText
	require.GreaterOrEqual(t, len(stopped), len("Hello"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, h.get(t).DisplayedText, "no reveal while unmounted")

	again := h.screen(t, 20*time.Millisecond)
	require.NoError(t, again.Mount(ctx))
	v, _ := again.View(ctx)
	assert.GreaterOrEqual(t, len(v.DisplayedText), len(stopped), "resumed, not restarted")
	if len(stopped) < len("Hello, World!") {
		assert.True(t, v.Caret)
	}

	require.Eventually(t, func() bool {
		return h.get(t).DisplayedText == "Hello, World!"
	}, 2*time.Second, 5*time.Millisecond)
	again.Unmount(ctx)
}

func TestErrorFrameBecomesDismissibleNotice(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello, World!")
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameError, Message: "Model overloaded"})
	var v View
	require.Eventually(t, func() bool {
		v, _ = s.View(ctx)
		return len(v.Notices) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Model overloaded", v.Notices[0].Message)
	assert.True(t, h.stream.IsConnected(), "error frames don't close the connection")

	s.Dismiss(v.Notices[0].Id)
	v, _ = s.View(ctx)
	assert.Empty(t, v.Notices)
	s.Unmount(ctx)
}

func TestFramesForOtherSessionsIgnored(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello, World!")
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete, DocumentType: "pitch_deck"})
	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete, SessionId: "someone-else"})
	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameError, Message: "marker"})

	require.Eventually(t, func() bool {
		v, _ := s.View(ctx)
		return len(v.Notices) == 1
	}, time.Second, time.Millisecond)
	assert.False(t, h.get(t).Completed)
	s.Unmount(ctx)
}

func TestUnmountedScreenIgnoresFrames(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello, World!")
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))
	s.Unmount(ctx)

	assert.True(t, h.stream.IsConnected(), "unmount keeps the shared connection")
	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete})
	time.Sleep(30 * time.Millisecond)
	assert.False(t, h.get(t).Completed)
}

func TestUploadFlowWithIndicator(t *testing.T) {
	h := newHarness(t)
	h.store.Seed("proj-1", doctype.BusinessPlan, []entity.Question{
		{Ordinal: 1, Prompt: "Company name?"},
		{Ordinal: 2, Prompt: "Market size?"},
	})
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	require.NoError(t, s.ChooseUpload(ctx, "Acme sells widgets."))
	conn := h.transport.conn(uploadURL)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) == 1
	}, time.Second, time.Millisecond)

	h.push(t, uploadURL, protocol.Frame{Type: protocol.FrameAnalyzingDocument})
	var first string
	require.Eventually(t, func() bool {
		v, _ := s.View(ctx)
		first = v.Indicator
		return first != ""
	}, time.Second, time.Millisecond)

	h.push(t, uploadURL, protocol.Frame{Type: protocol.FrameAnalyzingDocument})
	require.Eventually(t, func() bool {
		v, _ := s.View(ctx)
		return v.Indicator != "" && v.Indicator != first
	}, time.Second, time.Millisecond, "one indicator, replaced not stacked")

	h.push(t, uploadURL, protocol.Frame{
		Type:    protocol.FrameProcessingComplete,
		Results: map[string]string{"Company name?": "Acme", "Market size?": protocol.NotFound},
	})
	require.Eventually(t, func() bool {
		v, _ := s.View(ctx)
		return v.Flow == flow.StateQuestioning && v.Indicator == ""
	}, time.Second, time.Millisecond)

	v, _ := s.View(ctx)
	require.NotNil(t, v.Current)
	assert.Equal(t, "Market size?", v.Current.Prompt)

	assert.ErrorIs(t, s.ConfirmAnswer(ctx, ""), apperr.ErrEmptyAnswer)
	v, _ = s.View(ctx)
	require.Len(t, v.Notices, 1)
	s.Unmount(ctx)
}

func TestArtifactFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("404")
	h.seed(t,
		session.SetViewStage(entity.StageGenerating),
		session.SetConnectionAddress(jobAddress),
		session.AppendStreamedText(session.Chunk("Done")),
		session.MarkCompleted(),
	)
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	v, _ := s.View(ctx)
	assert.Equal(t, entity.StageGenerating, v.Stage)
	assert.True(t, v.CanRetry)
	require.Len(t, v.Notices, 1)

	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	require.NoError(t, s.RetryArtifact(ctx))

	v, _ = s.View(ctx)
	assert.Equal(t, entity.StageArtifactReady, v.Stage)
	assert.ErrorIs(t, s.RetryArtifact(ctx), apperr.ErrInvalidTransition)
	s.Unmount(ctx)
}

func TestStartOverDropsFramesFromAbandonedJob(t *testing.T) {
	h := newHarness(t)
	seedMidStream(t, h, "Hello, World!")
	s := h.screen(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))
	require.True(t, h.stream.IsConnected())

	require.NoError(t, s.StartOver(ctx))
	fresh := h.get(t)
	require.Equal(t, entity.StageInitial, fresh.ViewStage)
	require.Empty(t, fresh.ConnectionAddress)

	// The screen subscribed first, so it has handled each frame by the time
	// this subscriber sees it.
	var mu sync.Mutex
	seen := 0
	unsubscribe := h.stream.Subscribe(func(ev websocket.Event) {
		if ev.Kind == websocket.EventMessage {
			mu.Lock()
			seen++
			mu.Unlock()
		}
	})
	defer unsubscribe()

	h.push(t, jobAddress, protocol.ProgressFrame(90, 13, " More"))
	h.push(t, jobAddress, protocol.Frame{Type: protocol.FrameGenerationComplete})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 2
	}, time.Second, time.Millisecond)
	s.Wait()

	got := h.get(t)
	assert.Equal(t, fresh.Id, got.Id)
	assert.Equal(t, entity.StageInitial, got.ViewStage)
	assert.False(t, got.Completed)
	assert.Zero(t, got.ProgressPercent)
	assert.Empty(t, got.StreamedText)
	assert.Nil(t, got.Artifact)

	h.fetcher.mu.Lock()
	assert.Zero(t, h.fetcher.calls, "no artifact fetched for the abandoned job")
	h.fetcher.mu.Unlock()
	s.Unmount(ctx)
}

func TestResumeRevealStartsFromCurrentDisplay(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		session.AppendStreamedText(session.Chunk("Hello, World!")),
		session.SetDisplayedText("Hello, World"),
	)
	s := h.screen(t, time.Millisecond)

	require.True(t, s.resumeReveal(context.Background()))
	s.replayer.Wait()
	assert.Equal(t, "Hello, World!", h.get(t).DisplayedText)
}

func TestForcedCompletionClearsCaret(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		session.SetViewStage(entity.StageGenerating),
		session.SetConnectionAddress(jobAddress),
		session.SetProgress(100),
		session.AppendStreamedText(session.Chunk("Hello, World!")),
		session.SetDisplayedText("Hel"),
	)
	s := h.screen(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Mount(ctx))

	v, _ := s.View(ctx)
	require.True(t, v.Caret)

	require.Eventually(t, func() bool {
		return h.get(t).ViewStage == entity.StageArtifactReady
	}, 3*time.Second, 5*time.Millisecond)

	v, _ = s.View(ctx)
	assert.True(t, v.Completed)
	assert.False(t, v.Caret)
	assert.Equal(t, "Hello, World!", v.DisplayedText)
	s.Unmount(ctx)
}
