package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"docforge/internal/doctype"
	"docforge/internal/dto"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/contract"
	"docforge/internal/session"
	"docforge/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const SessionChangedTopic = "session.changed"

type ISessionService interface {
	// Get returns the stored session or a fresh one in the initial stage.
	Get(ctx context.Context, key entity.SessionKey) (entity.Session, error)

	// Update applies muts atomically. On error the stored session is left as
	// it was and returned together with the error.
	Update(ctx context.Context, key entity.SessionKey, muts ...session.Mutator) (entity.Session, error)

	// Watch emits the current session and then the latest session after each
	// change, until ctx is done. A slow reader only sees the newest value.
	Watch(ctx context.Context, key entity.SessionKey) (<-chan entity.Session, error)
}

type sessionService struct {
	repo      contract.SessionRepository
	pubSub    *gochannel.GoChannel
	publisher events.Publisher
	logger    logger.ILogger
	now       func() time.Time

	mu sync.Mutex
}

func NewSessionService(
	repo contract.SessionRepository,
	pubSub *gochannel.GoChannel,
	publisher events.Publisher,
	log logger.ILogger,
) ISessionService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &sessionService{
		repo:      repo,
		pubSub:    pubSub,
		publisher: publisher,
		logger:    log,
		now:       time.Now,
	}
}

func (s *sessionService) Get(ctx context.Context, key entity.SessionKey) (entity.Session, error) {
	return s.load(ctx, key)
}

func (s *sessionService) load(ctx context.Context, key entity.SessionKey) (entity.Session, error) {
	stored, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return entity.Session{}, fmt.Errorf("load session %s: %w", key, err)
	}
	if !ok {
		return entity.NewSession(key), nil
	}
	return *stored, nil
}

func (s *sessionService) Update(ctx context.Context, key entity.SessionKey, muts ...session.Mutator) (entity.Session, error) {
	s.mu.Lock()
	prev, err := s.load(ctx, key)
	if err != nil {
		s.mu.Unlock()
		return entity.Session{}, err
	}

	next, err := session.Apply(prev, muts...)
	if err != nil {
		s.mu.Unlock()
		return prev, err
	}

	next.Version = prev.Version + 1
	next.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, &next); err != nil {
		s.mu.Unlock()
		return prev, fmt.Errorf("save session %s: %w", key, err)
	}
	s.mu.Unlock()

	s.notify(next)
	s.emitLifecycle(ctx, prev, next)
	return next, nil
}

func (s *sessionService) notify(sess entity.Session) {
	payload, err := json.Marshal(dto.SessionChangedMessage{
		ProjectId:    sess.ProjectId,
		DocumentType: string(sess.DocumentType),
		Version:      sess.Version,
	})
	if err != nil {
		return
	}
	if err := s.pubSub.Publish(SessionChangedTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		s.logger.Warn("SESSION", "Failed to publish change notification", map[string]interface{}{
			"key":   sess.Key().String(),
			"error": err.Error(),
		})
	}
}

// emitLifecycle reports the coarse transitions to the external event bus.
func (s *sessionService) emitLifecycle(ctx context.Context, prev, next entity.Session) {
	var types []string
	switch {
	case prev.Id != next.Id:
		types = append(types, events.TypeSessionReset)
	default:
		if prev.ViewStage != entity.StageGenerating && next.ViewStage == entity.StageGenerating {
			types = append(types, events.TypeGenerationStarted)
		}
		if !prev.Completed && next.Completed {
			types = append(types, events.TypeGenerationCompleted)
		}
		if prev.Artifact == nil && next.Artifact != nil {
			types = append(types, events.TypeArtifactReady)
		}
	}

	for _, t := range types {
		if err := s.publisher.Publish(ctx, events.NewSessionEvent(t, next)); err != nil {
			s.logger.Warn("SESSION", "Failed to publish lifecycle event", map[string]interface{}{
				"type":  t,
				"key":   next.Key().String(),
				"error": err.Error(),
			})
		}
	}
}

func (s *sessionService) Watch(ctx context.Context, key entity.SessionKey) (<-chan entity.Session, error) {
	messages, err := s.pubSub.Subscribe(ctx, SessionChangedTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to session changes: %w", err)
	}

	out := make(chan entity.Session, 1)
	current, err := s.load(ctx, key)
	if err == nil {
		out <- current
	}

	go func() {
		defer close(out)
		for msg := range messages {
			var payload dto.SessionChangedMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			if payload.ProjectId != key.ProjectId || doctype.Type(payload.DocumentType) != key.DocumentType {
				continue
			}

			sess, err := s.load(ctx, key)
			if err != nil {
				continue
			}
			sendLatest(out, sess)
		}
	}()

	return out, nil
}

// sendLatest replaces an unread value instead of blocking. It is only called
// from the single goroutine that owns out.
func sendLatest[T any](out chan T, v T) {
	for {
		select {
		case out <- v:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
