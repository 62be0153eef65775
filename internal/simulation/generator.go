package simulation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/collaborator"
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/memory"
	"docforge/pkg/protocol"
)

// Broadcaster delivers an encoded frame to every follower of topic.
type Broadcaster interface {
	Send(topic string, data []byte)
}

// QuestionBank is the question store the simulation seeds and reads.
type QuestionBank interface {
	collaborator.QuestionStore
	Seed(projectId string, docType doctype.Type, qs []entity.Question)
}

type job struct {
	id   string
	key  entity.SessionKey
	text []rune

	mu       sync.Mutex
	produced int
	done     bool
}

func (j *job) percent() float64 {
	if len(j.text) == 0 {
		return 100
	}
	return float64(j.produced) * 100 / float64(len(j.text))
}

// Generator runs scripted generation jobs. Each job streams independently of
// its followers; a follower that (re)joins first gets everything produced so
// far from offset 0.
type Generator struct {
	out       Broadcaster
	questions QuestionBank
	artifacts *memory.ArtifactRepository
	chunkSize int
	interval  time.Duration
	logger    logger.ILogger

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGenerator(out Broadcaster, questions QuestionBank, artifacts *memory.ArtifactRepository, chunkSize int, interval time.Duration, log logger.ILogger) *Generator {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		out:       out,
		questions: questions,
		artifacts: artifacts,
		chunkSize: chunkSize,
		interval:  interval,
		logger:    log,
		jobs:      map[string]*job{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Follow starts jobId if it is new and calls attach with the catch-up frames
// while the job is held still, so nothing produced after the catch-up can be
// missed by a follower registered inside attach.
func (g *Generator) Follow(ctx context.Context, jobId string, key entity.SessionKey, attach func(catchUp [][]byte)) error {
	j, err := g.job(ctx, jobId, key)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var frames [][]byte
	if j.produced > 0 {
		frames = append(frames, g.encode(j, protocol.ProgressFrame(j.percent(), 0, string(j.text[:j.produced]))))
	}
	if j.done {
		frames = append(frames, g.encode(j, protocol.Frame{Type: protocol.FrameGenerationComplete}))
	}
	attach(frames)
	return nil
}

func (g *Generator) job(ctx context.Context, jobId string, key entity.SessionKey) (*job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if j, ok := g.jobs[jobId]; ok {
		if j.key != key {
			return nil, fmt.Errorf("%w: job %s belongs to %s", apperr.ErrUserInput, jobId, j.key)
		}
		return j, nil
	}
	if g.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: generator closed", apperr.ErrTransport)
	}

	answered, err := g.questions.FetchAllAnswered(ctx, key.ProjectId, key.DocumentType)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	j := &job{id: jobId, key: key, text: []rune(Render(key.DocumentType, answered))}
	g.jobs[jobId] = j
	g.artifacts.Delete(key)

	g.logger.Info("SIMULATION", "Generation job started", map[string]interface{}{
		"job_id":     jobId,
		"session":    key.String(),
		"characters": len(j.text),
	})

	g.wg.Add(1)
	go g.run(j)
	return j, nil
}

func (g *Generator) run(j *job) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}

		j.mu.Lock()
		start := j.produced
		end := start + g.chunkSize
		if end > len(j.text) {
			end = len(j.text)
		}
		j.produced = end
		progress := g.encode(j, protocol.ProgressFrame(j.percent(), start, string(j.text[start:end])))
		finished := end == len(j.text)
		if finished {
			// The artifact exists before anyone can see the job as done.
			d, _ := doctype.Lookup(j.key.DocumentType)
			g.artifacts.Put(j.key, &entity.Artifact{
				Name:        d.ArtifactName,
				ContentType: "text/markdown",
				Content:     []byte(string(j.text)),
			})
			j.done = true
		}
		j.mu.Unlock()

		g.out.Send(j.id, progress)
		if finished {
			g.out.Send(j.id, g.encode(j, protocol.Frame{Type: protocol.FrameGenerationComplete}))
			g.logger.Info("SIMULATION", "Generation job completed", map[string]interface{}{"job_id": j.id})
			return
		}
	}
}

func (g *Generator) encode(j *job, f protocol.Frame) []byte {
	f.DocumentType = string(j.key.DocumentType)
	data, _ := protocol.Encode(f)
	return data
}

// Process answers an upload command with the analysis frames. The question
// set is seeded first so the client finds the missing questions in the store.
func (g *Generator) Process(ctx context.Context, cmd protocol.StartProcessingCommand, emit func(protocol.Frame)) error {
	docType, err := doctype.Parse(cmd.DocumentType)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrProtocol, err)
	}
	tag := func(f protocol.Frame) protocol.Frame {
		f.SessionId = cmd.SessionId
		f.DocumentType = cmd.DocumentType
		return f
	}

	emit(tag(protocol.Frame{Type: protocol.FrameProcessingStarted}))
	emit(tag(protocol.Frame{Type: protocol.FrameAnalyzingDocument}))

	g.questions.Seed(cmd.ProjectId, docType, DefaultQuestions(docType))

	if strings.TrimSpace(cmd.Text) == "" {
		var prompts []string
		for _, q := range DefaultQuestions(docType) {
			prompts = append(prompts, q.Prompt)
		}
		emit(tag(protocol.Frame{Type: protocol.FrameQuestionsNeedAnswers, NotFoundQuestions: prompts}))
		return nil
	}

	results := Extract(docType, cmd.Text)
	stored, err := g.questions.FetchAllAnswered(ctx, cmd.ProjectId, docType)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	for _, q := range stored {
		if q.Answered() && results[q.Prompt] == protocol.NotFound {
			results[q.Prompt] = q.Answer
		}
	}

	for _, q := range DefaultQuestions(docType) {
		answer := results[q.Prompt]
		if answer == protocol.NotFound {
			continue
		}
		if existing := findPrompt(stored, q.Prompt); existing != nil && existing.Answer == answer {
			continue
		}
		q.Answer = answer
		if err := g.questions.SubmitAnswer(ctx, cmd.ProjectId, docType, q); err != nil {
			return fmt.Errorf("store extracted answer: %w", err)
		}
	}
	emit(tag(protocol.Frame{Type: protocol.FrameProcessingComplete, Results: results}))
	return nil
}

// Close stops every running job and waits for them.
func (g *Generator) Close() {
	g.cancel()
	g.wg.Wait()
}

func findPrompt(qs []entity.Question, prompt string) *entity.Question {
	for i := range qs {
		if qs[i].Prompt == prompt {
			return &qs[i]
		}
	}
	return nil
}
