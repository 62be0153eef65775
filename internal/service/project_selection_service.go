package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"docforge/internal/dto"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const ProjectSelectedTopic = "project.selected"

// IProjectSelectionService is the observed current-project selection. The
// core reads it; whoever owns the project picker writes it.
type IProjectSelectionService interface {
	Current() string
	Select(ctx context.Context, projectId string) error
	Watch(ctx context.Context) (<-chan string, error)
}

type projectSelectionService struct {
	pubSub *gochannel.GoChannel

	mu      sync.RWMutex
	current string
}

func NewProjectSelectionService(pubSub *gochannel.GoChannel, initial string) IProjectSelectionService {
	return &projectSelectionService{pubSub: pubSub, current: initial}
}

func (p *projectSelectionService) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *projectSelectionService) Select(ctx context.Context, projectId string) error {
	p.mu.Lock()
	if p.current == projectId {
		p.mu.Unlock()
		return nil
	}
	p.current = projectId
	p.mu.Unlock()

	payload, err := json.Marshal(dto.ProjectSelectedMessage{ProjectId: projectId})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := p.pubSub.Publish(ProjectSelectedTopic, msg); err != nil {
		return fmt.Errorf("publish project selection: %w", err)
	}
	return nil
}

// Watch emits the current selection and every later change until ctx is done.
func (p *projectSelectionService) Watch(ctx context.Context) (<-chan string, error) {
	messages, err := p.pubSub.Subscribe(ctx, ProjectSelectedTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to project selection: %w", err)
	}

	out := make(chan string, 1)
	out <- p.Current()

	go func() {
		defer close(out)
		for msg := range messages {
			var payload dto.ProjectSelectedMessage
			err := json.Unmarshal(msg.Payload, &payload)
			msg.Ack()
			if err != nil {
				continue
			}
			sendLatest(out, payload.ProjectId)
		}
	}()
	return out, nil
}
