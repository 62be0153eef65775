// Package screen is the one generation screen shared by every document type.
// It subscribes to the stream and upload connections while mounted, feeds
// frames through the session reducers, animates received text and shows
// user-facing errors as dismissible notices.
package screen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"docforge/internal/apperr"
	"docforge/internal/collaborator"
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/flow"
	"docforge/internal/pkg/logger"
	"docforge/internal/recovery"
	"docforge/internal/replay"
	"docforge/internal/service"
	"docforge/internal/session"
	"docforge/internal/websocket"
	"docforge/pkg/protocol"

	"github.com/google/uuid"
)

type NoticeKind string

const (
	NoticeError     NoticeKind = "error"
	NoticeTransport NoticeKind = "transport"
)

type Notice struct {
	Id      string
	Kind    NoticeKind
	Message string
	At      time.Time
}

// View is a snapshot of everything the screen shows.
type View struct {
	DocumentType  doctype.Type
	Title         string
	Stage         entity.ViewStage
	Flow          flow.State
	Questions     []entity.Question
	Current       *entity.Question
	DisplayedText string
	Caret         bool
	Progress      int
	Completed     bool
	ArtifactName  string
	Indicator     string
	CanRetry      bool
	Notices       []Notice
}

type Options struct {
	Sessions  service.ISessionService
	Stream    *websocket.Manager
	Upload    *websocket.Manager
	Store     collaborator.QuestionStore
	Suggester collaborator.AnswerSuggester
	Fetcher   collaborator.ArtifactFetcher
	Archive   collaborator.ArtifactArchive

	UploadURL      string
	StreamBaseURL  string
	RevealInterval time.Duration
	GraceDelay     time.Duration
	Logger         logger.ILogger

	// OnChange is called after anything visible may have changed.
	OnChange func()
	NewJobId func() string
}

type Screen struct {
	key        entity.SessionKey
	descriptor doctype.Descriptor
	opts       Options

	flow     *flow.Controller
	recovery *recovery.Coordinator
	replayer *replay.Replayer

	mu        sync.Mutex
	mounted   bool
	unsubs    []func()
	notices   []Notice
	indicator string

	fetches sync.WaitGroup
}

func New(projectId string, docType doctype.Type, opts Options) (*Screen, error) {
	d, ok := doctype.Lookup(docType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown document type %q", apperr.ErrUserInput, docType)
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}

	key := entity.SessionKey{ProjectId: projectId, DocumentType: docType}
	s := &Screen{key: key, descriptor: d, opts: opts}

	s.flow = flow.New(key, flow.Options{
		Sessions:      opts.Sessions,
		Store:         opts.Store,
		Suggester:     opts.Suggester,
		Upload:        opts.Upload,
		Stream:        opts.Stream,
		UploadURL:     opts.UploadURL,
		StreamBaseURL: opts.StreamBaseURL,
		Logger:        opts.Logger,
		NewJobId:      opts.NewJobId,
	})
	s.recovery = recovery.New(key, recovery.Options{
		Sessions:   opts.Sessions,
		Connector:  opts.Stream,
		Fetcher:    opts.Fetcher,
		Archive:    opts.Archive,
		GraceDelay: opts.GraceDelay,
		Logger:     opts.Logger,
		Notify:     s.notify,
		Completed:  s.forceCompleted,
	})
	s.replayer = replay.New(opts.RevealInterval, s.reveal, opts.Logger)
	return s, nil
}

func (s *Screen) Key() entity.SessionKey { return s.key }

// reveal is the replayer's sink.
func (s *Screen) reveal(prefix string) error {
	_, err := s.opts.Sessions.Update(context.Background(), s.key, session.SetDisplayedText(prefix))
	if err == nil {
		s.opts.OnChange()
	}
	return err
}

// Mount subscribes to both connections, resumes the flow, runs recovery once
// and continues any unfinished reveal from where it stopped.
func (s *Screen) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.unsubs = []func(){
		s.opts.Stream.Subscribe(s.onStreamEvent),
		s.opts.Upload.Subscribe(s.onUploadEvent),
	}
	s.mu.Unlock()

	if _, err := s.flow.Attach(ctx); err != nil {
		s.notify(err)
	}

	action, err := s.recovery.Run(ctx)
	if err != nil {
		s.opts.Logger.Warn("SCREEN", "Recovery finished with error", map[string]interface{}{
			"key":    s.key.String(),
			"action": action.String(),
			"error":  err.Error(),
		})
	}
	if action == recovery.ActionResetInconsistent {
		if _, err := s.flow.Attach(ctx); err != nil {
			s.notify(err)
		}
	}

	sess, err := s.opts.Sessions.Get(ctx, s.key)
	if err != nil {
		return err
	}
	if !sess.Completed && sess.PendingReveal() {
		s.replayer.Start(sess.StreamedText, sess.DisplayedLen())
	}
	s.opts.OnChange()
	return nil
}

// Unmount revokes the subscriptions and stops the reveal and the grace timer.
// Connections stay open and an artifact fetch in flight is not cancelled.
func (s *Screen) Unmount(ctx context.Context) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.indicator = ""
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.replayer.Stop()
	s.recovery.Detach()
	s.flow.Detach(ctx)
}

// Wait blocks until background artifact fetches have returned.
func (s *Screen) Wait() {
	s.fetches.Wait()
}

func (s *Screen) isMounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// accepts reports whether a frame addressed with these identifiers is meant
// for this screen's session.
func (s *Screen) accepts(f protocol.Frame, sess entity.Session) bool {
	if f.DocumentType != "" && f.DocumentType != string(s.key.DocumentType) {
		return false
	}
	if f.SessionId != "" && f.SessionId != sess.Id.String() {
		return false
	}
	return true
}

func (s *Screen) onStreamEvent(ev websocket.Event) {
	if !s.isMounted() {
		return
	}
	ctx := context.Background()

	switch ev.Kind {
	case websocket.EventMessage:
		s.handleStreamMessage(ctx, ev)
	case websocket.EventTransportError:
		s.notifyKind(NoticeTransport, ev.Err)
	case websocket.EventDisconnected:
		sess, err := s.opts.Sessions.Get(ctx, s.key)
		if err == nil && sess.ViewStage == entity.StageGenerating && !sess.Completed && sess.ConnectionAddress == ev.Address {
			s.notifyKind(NoticeTransport, fmt.Errorf("%w: generation stream closed", apperr.ErrTransport))
		}
	}
	s.opts.OnChange()
}

func (s *Screen) handleStreamMessage(ctx context.Context, ev websocket.Event) {
	f, err := protocol.Decode(ev.Data)
	if err != nil {
		s.opts.Logger.Warn("SCREEN", "Discarding malformed stream frame", map[string]interface{}{
			"key":   s.key.String(),
			"error": err.Error(),
		})
		return
	}

	sess, err := s.opts.Sessions.Get(ctx, s.key)
	if err != nil {
		return
	}
	if !s.accepts(f, sess) || !following(sess, ev.Address) {
		s.opts.Logger.Debug("SCREEN", "Dropping frame from an abandoned stream", map[string]interface{}{
			"key":     s.key.String(),
			"type":    string(f.Type),
			"address": ev.Address,
		})
		return
	}

	switch f.Type {
	case protocol.FrameProgress:
		s.applyProgress(ctx, sess, f)
	case protocol.FrameGenerationComplete:
		s.complete(ctx)
	case protocol.FrameError:
		s.pushNotice(NoticeError, f.Message)
	default:
		s.opts.Logger.Debug("SCREEN", "Ignoring frame on stream connection", map[string]interface{}{
			"type": string(f.Type),
		})
	}
}

// following reports whether frames read from address belong to the job the
// session is generating. A reset session has no address and follows nothing.
func following(sess entity.Session, address string) bool {
	return sess.ViewStage == entity.StageGenerating &&
		sess.ConnectionAddress != "" &&
		address == sess.ConnectionAddress
}

func (s *Screen) applyProgress(ctx context.Context, prev entity.Session, f protocol.Frame) {
	if p := f.Percent(); p >= 0 {
		if _, err := s.opts.Sessions.Update(ctx, s.key, session.SetProgress(p)); err != nil {
			s.logRejected("progress", err)
		}
	}
	if f.ContentDelta == "" {
		return
	}

	delta := session.Delta{Offset: f.Offset, Text: f.ContentDelta}
	if session.RepeatsTail(prev, delta) {
		s.opts.Logger.Warn("SCREEN", "Delta without offset repeats the streamed tail", map[string]interface{}{
			"key":   s.key.String(),
			"error": fmt.Errorf("%w: possible retransmit of %d characters", apperr.ErrProtocol, utf8.RuneCountInString(f.ContentDelta)).Error(),
		})
	}

	sess, err := s.opts.Sessions.Update(ctx, s.key, session.AppendStreamedText(delta))
	if err != nil {
		s.logRejected("content", err)
		return
	}
	if !s.replayer.Extend(sess.StreamedText) {
		s.resumeReveal(ctx)
	}
}

// resumeReveal starts revealing from what is displayed now. The session is
// read again because a reveal that just finished may have moved past any
// earlier copy.
func (s *Screen) resumeReveal(ctx context.Context) bool {
	sess, err := s.opts.Sessions.Get(ctx, s.key)
	if err != nil || sess.Completed {
		return false
	}
	return s.replayer.Start(sess.StreamedText, sess.DisplayedLen())
}

// forceCompleted is called by recovery when the grace delay completed the
// session without a completion frame.
func (s *Screen) forceCompleted(sess entity.Session) {
	if err := s.replayer.Complete(sess.StreamedText); err != nil {
		s.logRejected("forced completion reveal", err)
	}
	s.opts.OnChange()
}

func (s *Screen) logRejected(what string, err error) {
	s.opts.Logger.Debug("SCREEN", "Frame rejected", map[string]interface{}{
		"key":   s.key.String(),
		"what":  what,
		"error": err.Error(),
	})
}

// complete handles the completion frame: the whole text is shown at once and
// the artifact is fetched in the background.
func (s *Screen) complete(ctx context.Context) {
	sess, err := s.opts.Sessions.Update(ctx, s.key, session.MarkCompleted())
	if err != nil {
		s.logRejected("completion", err)
		return
	}
	if err := s.replayer.Complete(sess.StreamedText); err != nil {
		s.logRejected("completion reveal", err)
	}

	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		if err := s.recovery.FetchArtifact(context.Background()); err == nil {
			s.opts.OnChange()
		}
	}()
}

func (s *Screen) onUploadEvent(ev websocket.Event) {
	if !s.isMounted() {
		return
	}
	ctx := context.Background()

	switch ev.Kind {
	case websocket.EventMessage:
		f, err := protocol.Decode(ev.Data)
		if err != nil {
			s.opts.Logger.Warn("SCREEN", "Discarding malformed upload frame", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		sess, err := s.opts.Sessions.Get(ctx, s.key)
		if err != nil || !s.accepts(f, sess) {
			return
		}

		s.mu.Lock()
		if f.Type == protocol.FrameAnalyzingDocument {
			s.indicator = uuid.NewString()
		} else {
			s.indicator = ""
		}
		s.mu.Unlock()

		if f.Type == protocol.FrameError {
			s.pushNotice(NoticeError, f.Message)
		} else if err := s.flow.HandleUploadFrame(ctx, f); err != nil {
			s.notify(err)
		}
	case websocket.EventTransportError:
		s.notifyKind(NoticeTransport, ev.Err)
	}
	s.opts.OnChange()
}

func (s *Screen) notify(err error) {
	s.notifyKind(NoticeError, err)
}

func (s *Screen) notifyKind(kind NoticeKind, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, apperr.ErrTransport) {
		kind = NoticeTransport
	}
	s.pushNotice(kind, err.Error())
}

func (s *Screen) pushNotice(kind NoticeKind, message string) {
	s.mu.Lock()
	s.notices = append(s.notices, Notice{Id: uuid.NewString(), Kind: kind, Message: message, At: time.Now()})
	s.mu.Unlock()
	s.opts.OnChange()
}

// Dismiss removes a notice. Unknown ids are ignored.
func (s *Screen) Dismiss(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notices {
		if n.Id == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			return
		}
	}
}

// View reads the stored session and the screen-local state.
func (s *Screen) View(ctx context.Context) (View, error) {
	sess, err := s.opts.Sessions.Get(ctx, s.key)
	if err != nil {
		return View{}, err
	}

	v := View{
		DocumentType:  s.key.DocumentType,
		Title:         s.descriptor.Title,
		Stage:         sess.ViewStage,
		Flow:          s.flow.State(),
		Questions:     sess.Questions,
		DisplayedText: sess.DisplayedText,
		Caret:         s.replayer.Caret(),
		Progress:      sess.ProgressPercent,
		Completed:     sess.Completed,
		CanRetry:      s.recovery.CanRetry(),
	}
	if q, ok := sess.Current(); ok {
		v.Current = &q
	}
	if sess.Artifact != nil {
		v.ArtifactName = sess.Artifact.Name
	}

	s.mu.Lock()
	v.Indicator = s.indicator
	v.Notices = append([]Notice(nil), s.notices...)
	s.mu.Unlock()
	return v, nil
}

// Artifact returns the stored artifact, if any.
func (s *Screen) Artifact(ctx context.Context) (*entity.Artifact, error) {
	sess, err := s.opts.Sessions.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	return sess.Artifact, nil
}

// userAction runs a flow operation and turns user-facing failures into notices.
func (s *Screen) userAction(err error) error {
	if err != nil && apperr.IsUserFacing(err) {
		s.notify(err)
	}
	s.opts.OnChange()
	return err
}

func (s *Screen) ChooseUpload(ctx context.Context, text string) error {
	return s.userAction(s.flow.ChooseUpload(ctx, text))
}

func (s *Screen) ChooseManual(ctx context.Context) error {
	return s.userAction(s.flow.ChooseManual(ctx))
}

func (s *Screen) ConfirmAnswer(ctx context.Context, text string) error {
	return s.userAction(s.flow.ConfirmAnswer(ctx, text))
}

func (s *Screen) EditAnswer(ctx context.Context, ordinal int, text string) error {
	return s.userAction(s.flow.EditAnswer(ctx, ordinal, text))
}

func (s *Screen) SuggestAnswer(ctx context.Context) (string, error) {
	answer, err := s.flow.SuggestAnswer(ctx)
	return answer, s.userAction(err)
}

// Submit hands the reviewed answers to generation.
func (s *Screen) Submit(ctx context.Context) error {
	s.replayer.Stop()
	_, err := s.flow.Submit(ctx)
	return s.userAction(err)
}

func (s *Screen) RetryArtifact(ctx context.Context) error {
	return s.userAction(s.recovery.RetryArtifact(ctx))
}

func (s *Screen) StartOver(ctx context.Context) error {
	s.replayer.Stop()
	return s.userAction(s.flow.StartOver(ctx))
}
