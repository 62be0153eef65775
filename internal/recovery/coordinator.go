// Package recovery decides, once per mount, how to bring a stored
// generation session back to a consistent screen.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/collaborator"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/service"
	"docforge/internal/session"

	"github.com/google/uuid"
)

type Action int

const (
	ActionNone Action = iota
	ActionShowArtifact
	ActionFetchArtifact
	ActionForceComplete
	ActionReconnect
	ActionResetInconsistent
)

func (a Action) String() string {
	switch a {
	case ActionShowArtifact:
		return "show_artifact"
	case ActionFetchArtifact:
		return "fetch_artifact"
	case ActionForceComplete:
		return "force_complete"
	case ActionReconnect:
		return "reconnect"
	case ActionResetInconsistent:
		return "reset_inconsistent"
	}
	return "none"
}

// Decide is the rule table. The first matching rule wins.
func Decide(s entity.Session) Action {
	switch {
	case s.Artifact != nil && s.ViewStage != entity.StageArtifactReady:
		return ActionShowArtifact
	case s.Completed && s.Artifact == nil:
		return ActionFetchArtifact
	case !s.Completed && s.ProgressPercent == 100:
		return ActionForceComplete
	case !s.Completed && s.ProgressPercent < 100 && s.ConnectionAddress != "":
		return ActionReconnect
	case s.ViewStage == entity.StageGenerating && s.ConnectionAddress == "":
		return ActionResetInconsistent
	}
	return ActionNone
}

type Options struct {
	Sessions   service.ISessionService
	Connector  collaborator.Connector
	Fetcher    collaborator.ArtifactFetcher
	Archive    collaborator.ArtifactArchive
	GraceDelay time.Duration
	Logger     logger.ILogger

	// Notify receives user-facing errors, including those raised from the
	// grace timer.
	Notify func(error)

	// Completed, when set, receives the session after the grace timer forced
	// completion, so a running reveal can be finished at once.
	Completed func(entity.Session)
}

// Coordinator runs recovery for one session key.
type Coordinator struct {
	key  entity.SessionKey
	opts Options

	mu          sync.Mutex
	ran         bool
	mount       uint64
	grace       *time.Timer
	fetchToken  uint64
	fetchFailed bool
	retryUsed   bool
}

func New(key entity.SessionKey, opts Options) *Coordinator {
	if opts.Notify == nil {
		opts.Notify = func(error) {}
	}
	return &Coordinator{key: key, opts: opts}
}

// Run evaluates the stored session and performs the chosen action. Only the
// first call per mount does anything; later calls return ActionNone.
func (c *Coordinator) Run(ctx context.Context) (Action, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return ActionNone, nil
	}
	c.ran = true
	mount := c.mount
	c.mu.Unlock()

	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return ActionNone, err
	}

	action := Decide(s)
	c.opts.Logger.Info("RECOVERY", "Recovery action chosen", map[string]interface{}{
		"key":      c.key.String(),
		"action":   action.String(),
		"stage":    string(s.ViewStage),
		"progress": s.ProgressPercent,
	})

	switch action {
	case ActionShowArtifact:
		_, err = c.opts.Sessions.Update(ctx, c.key, session.RequireId(s.Id), session.SetViewStage(entity.StageArtifactReady))
	case ActionFetchArtifact:
		err = c.fetch(ctx, s.Id)
	case ActionForceComplete:
		c.scheduleForceComplete(mount, s.Id)
	case ActionReconnect:
		if err = c.opts.Connector.Connect(ctx, s.ConnectionAddress); err != nil {
			c.opts.Notify(err)
		}
	case ActionResetInconsistent:
		_, err = c.opts.Sessions.Update(ctx, c.key,
			session.RequireId(s.Id),
			session.ResetProgress(),
			session.SetConnectionAddress(""),
			session.SetViewStage(entity.StagePreview),
		)
		if err == nil {
			err = apperr.ErrInconsistentSession
			c.opts.Notify(err)
		}
	}
	return action, err
}

// Detach ends the mount: the grace timer stops and the next Run evaluates
// again. An artifact fetch already in flight is left to finish.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mount++
	c.ran = false
	c.fetchFailed = false
	c.retryUsed = false
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Coordinator) scheduleForceComplete(mount uint64, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mount != mount {
		return
	}
	c.grace = time.AfterFunc(c.opts.GraceDelay, func() {
		c.forceComplete(mount, id)
	})
}

func (c *Coordinator) forceComplete(mount uint64, id uuid.UUID) {
	c.mu.Lock()
	if c.mount != mount {
		c.mu.Unlock()
		return
	}
	c.grace = nil
	c.mu.Unlock()

	ctx := context.Background()
	sess, err := c.opts.Sessions.Update(ctx, c.key, session.RequireId(id), session.RequireIncomplete(), session.MarkCompleted())
	if err != nil {
		// The completion frame made it in time; whoever handled it fetches.
		c.opts.Logger.Debug("RECOVERY", "Forced completion skipped", map[string]interface{}{
			"key":   c.key.String(),
			"error": err.Error(),
		})
		return
	}

	c.opts.Logger.Warn("RECOVERY", "Completion frame missing, completed after grace delay", map[string]interface{}{
		"key":         c.key.String(),
		"grace_delay": c.opts.GraceDelay.String(),
	})
	if c.opts.Completed != nil {
		c.opts.Completed(sess)
	}
	_ = c.fetch(ctx, id)
}

// FetchArtifact fetches and stores the artifact of the current completed
// session. Call it when a completion frame arrives.
func (c *Coordinator) FetchArtifact(ctx context.Context) error {
	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return err
	}
	if s.Artifact != nil {
		return nil
	}
	return c.fetch(ctx, s.Id)
}

// RetryArtifact is the single manual retry allowed after a failed fetch.
func (c *Coordinator) RetryArtifact(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case !c.fetchFailed:
		c.mu.Unlock()
		return fmt.Errorf("%w: no failed artifact fetch to retry", apperr.ErrInvalidTransition)
	case c.retryUsed:
		c.mu.Unlock()
		return apperr.ErrRetryExhausted
	}
	c.retryUsed = true
	c.mu.Unlock()

	s, err := c.opts.Sessions.Get(ctx, c.key)
	if err != nil {
		return err
	}
	return c.fetch(ctx, s.Id)
}

// CanRetry reports whether the manual retry is still available.
func (c *Coordinator) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchFailed && !c.retryUsed
}

// fetch downloads the artifact for session id. Only the latest request may
// store its result, and only while the session is still id.
func (c *Coordinator) fetch(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	c.fetchToken++
	token := c.fetchToken
	c.mu.Unlock()

	// Unmounting must not cancel the download.
	ctx = context.WithoutCancel(ctx)
	artifact, err := c.opts.Fetcher.FetchArtifact(ctx, c.key.ProjectId, c.key.DocumentType)

	c.mu.Lock()
	stale := token != c.fetchToken
	if !stale && err != nil {
		c.fetchFailed = true
	}
	c.mu.Unlock()

	if stale {
		c.opts.Logger.Debug("RECOVERY", "Stale artifact response ignored", map[string]interface{}{
			"key": c.key.String(),
		})
		return nil
	}
	if err != nil {
		if !errors.Is(err, apperr.ErrArtifactFetch) {
			err = fmt.Errorf("%w: %v", apperr.ErrArtifactFetch, err)
		}
		c.opts.Logger.Error("RECOVERY", "Artifact fetch failed", map[string]interface{}{
			"key":   c.key.String(),
			"error": err.Error(),
		})
		c.opts.Notify(err)
		return err
	}

	_, err = c.opts.Sessions.Update(ctx, c.key,
		session.RequireId(id),
		session.SetArtifact(artifact),
		session.SetViewStage(entity.StageArtifactReady),
	)
	if err != nil {
		c.opts.Logger.Debug("RECOVERY", "Artifact no longer applies", map[string]interface{}{
			"key":   c.key.String(),
			"error": err.Error(),
		})
		return nil
	}

	c.mu.Lock()
	c.fetchFailed = false
	c.mu.Unlock()

	if c.opts.Archive != nil {
		location, err := c.opts.Archive.Put(ctx, c.key, artifact)
		if err != nil {
			c.opts.Logger.Warn("RECOVERY", "Failed to archive artifact", map[string]interface{}{
				"key":   c.key.String(),
				"error": err.Error(),
			})
		} else {
			c.opts.Logger.Info("RECOVERY", "Artifact archived", map[string]interface{}{
				"key":      c.key.String(),
				"location": location,
			})
		}
	}
	return nil
}
