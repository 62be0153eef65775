package bootstrap

import (
	"context"
	"log"
	"sync"

	"docforge/internal/config"
	"docforge/internal/controller"
	"docforge/internal/handler"
	"docforge/internal/pkg/logger"
	"docforge/internal/repository/memory"
	"docforge/internal/simulation"
	"docforge/internal/websocket"

	"github.com/redis/go-redis/v9"
)

// DevServerContainer wires the stand-in generation backend.
type DevServerContainer struct {
	Logger *logger.ZapLogger

	QuestionController controller.IQuestionController
	LogController      controller.ILogController
	StreamHandler      *handler.StreamHandler

	Hub       *websocket.Hub
	Generator *simulation.Generator
	Questions *memory.QuestionRepository
	Artifacts *memory.ArtifactRepository

	cancel context.CancelFunc
	wg     sync.WaitGroup
	rdb    *redis.Client
}

func NewDevServerContainer(cfg *config.Config) *DevServerContainer {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())
	wsLogger := logger.NewIsolatedLogger(cfg.App.StreamLogPath)

	var rdb *redis.Client
	if cfg.DevServer.RedisURL != "" {
		client, err := NewRedisClient(context.Background(), cfg.DevServer.RedisURL)
		if err != nil {
			log.Printf("[WARN] Frame fan-out stays local: %v", err)
		} else {
			rdb = client
		}
	}

	hub := websocket.NewHub(rdb, wsLogger)
	ctx, cancel := context.WithCancel(context.Background())

	questions := memory.NewQuestionRepository()
	artifactRepo := memory.NewArtifactRepository()
	generator := simulation.NewGenerator(hub, questions, artifactRepo, cfg.DevServer.ChunkSize, cfg.DevServer.ChunkInterval, wsLogger)

	c := &DevServerContainer{
		Logger:             sysLogger,
		QuestionController: controller.NewQuestionController(questions, artifactRepo),
		LogController:      controller.NewLogController(sysLogger),
		StreamHandler:      handler.NewStreamHandler(hub, generator, wsLogger),
		Hub:                hub,
		Generator:          generator,
		Questions:          questions,
		Artifacts:          artifactRepo,
		cancel:             cancel,
		rdb:                rdb,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		hub.Run(ctx)
	}()
	return c
}

// Close stops the generator and the hub.
func (c *DevServerContainer) Close() {
	c.Generator.Close()
	c.cancel()
	c.wg.Wait()
	if c.rdb != nil {
		c.rdb.Close()
	}
	c.Logger.Sync()
}
