package bootstrap

import (
	"context"
	"fmt"
	"log"

	"docforge/internal/collaborator"
	"docforge/internal/config"
	"docforge/internal/doctype"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/contract"
	"docforge/internal/repository/implementation"
	"docforge/internal/repository/memory"
	"docforge/internal/screen"
	"docforge/internal/service"
	"docforge/internal/websocket"
	"docforge/pkg/artifacts"
	"docforge/pkg/database"
	"docforge/pkg/events"
	"docforge/pkg/llm"
	"docforge/pkg/llm/ollama"
	pktNats "docforge/pkg/nats"
	"docforge/pkg/questionstore"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

// Container holds the client side: session state, both connections and the
// collaborators every screen shares.
type Container struct {
	Config *config.Config
	Logger *logger.ZapLogger

	PubSub   *gochannel.GoChannel
	Sessions service.ISessionService
	Projects service.IProjectSelectionService

	Stream *websocket.Manager
	Upload *websocket.Manager

	Questions *questionstore.Client
	Archive   collaborator.ArtifactArchive
	Suggester collaborator.AnswerSuggester

	closers []func()
}

func NewContainer(ctx context.Context, cfg *config.Config, projectId string) (*Container, error) {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())
	streamLogger := logger.NewIsolatedLogger(cfg.App.StreamLogPath)

	c := &Container{Config: cfg, Logger: sysLogger}

	// 2. Event Bus
	c.PubSub = gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NopLogger{},
	)
	c.closers = append(c.closers, func() { c.PubSub.Close() })

	// 3. Session storage
	repo, err := c.sessionRepository(cfg.Store)
	if err != nil {
		c.Close()
		return nil, err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.NatsURL != "" {
		natsPub, err := pktNats.NewPublisher(cfg.Events.NatsURL)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
		} else {
			publisher = natsPub
			c.closers = append(c.closers, natsPub.Close)
		}
	}

	c.Sessions = service.NewSessionService(repo, c.PubSub, publisher, sysLogger)
	c.Projects = service.NewProjectSelectionService(c.PubSub, projectId)

	// 4. Connections
	c.Stream = websocket.NewManager("stream", websocket.NewDialTransport(cfg.Stream.DialTimeout, cfg.Stream.AuthToken), streamLogger)
	c.Upload = websocket.NewManager("upload", websocket.NewDialTransport(cfg.Stream.DialTimeout, cfg.Stream.AuthToken), streamLogger)
	c.closers = append(c.closers,
		func() { c.Stream.Close() },
		func() { c.Upload.Close() },
	)

	// 5. Collaborators
	c.Questions = questionstore.NewClient(cfg.Collaborators.QuestionStoreURL, cfg.Collaborators.RequestTimeout)

	if cfg.Archive.S3Bucket != "" {
		archive, err := artifacts.NewS3Archive(ctx, artifacts.S3ArchiveConfig{
			Bucket:   cfg.Archive.S3Bucket,
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
			Prefix:   cfg.Archive.S3Prefix,
		})
		if err != nil {
			log.Printf("[WARN] Artifact archive disabled: %v", err)
		} else {
			c.Archive = archive
		}
	}

	if cfg.Collaborators.OllamaBaseURL != "" {
		provider := ollama.NewOllamaProvider(cfg.Collaborators.OllamaBaseURL, cfg.Collaborators.OllamaModel, cfg.Collaborators.RequestTimeout)
		c.Suggester = llm.NewSuggester(provider)
		log.Printf("[INFO] Answer suggestions via Ollama (%s)", cfg.Collaborators.OllamaModel)
	}

	c.closers = append(c.closers, func() {
		sysLogger.Sync()
		streamLogger.Sync()
	})
	return c, nil
}

func (c *Container) sessionRepository(cfg config.StoreConfig) (contract.SessionRepository, error) {
	switch cfg.Backend {
	case "redis":
		rdb, err := NewRedisClient(context.Background(), cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { rdb.Close() })
		return implementation.NewRedisSessionRepository(rdb, cfg.TTL), nil
	case "postgres":
		db, err := database.NewGormDBFromDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := implementation.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate sessions: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			c.closers = append(c.closers, func() { sqlDB.Close() })
		}
		return implementation.NewSessionRepository(db), nil
	default:
		return memory.NewSessionRepository(cfg.TTL), nil
	}
}

// NewRedisClient parses url (falling back to a bare address) and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewScreen builds the generation screen for docType in the selected project.
func (c *Container) NewScreen(docType doctype.Type, onChange func()) (*screen.Screen, error) {
	return screen.New(c.Projects.Current(), docType, screen.Options{
		Sessions:       c.Sessions,
		Stream:         c.Stream,
		Upload:         c.Upload,
		Store:          c.Questions,
		Suggester:      c.Suggester,
		Fetcher:        c.Questions,
		Archive:        c.Archive,
		UploadURL:      c.Config.Stream.UploadURL,
		StreamBaseURL:  c.Config.Stream.StreamBaseURL,
		RevealInterval: c.Config.Stream.RevealInterval,
		GraceDelay:     c.Config.Stream.GraceDelay,
		Logger:         c.Logger,
		OnChange:       onChange,
	})
}

// Close releases everything in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
