package server

import (
	"log"
	"net"

	"docforge/internal/bootstrap"
	"docforge/internal/config"
	"docforge/internal/pkg/serverutils"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// Server is the dev stream server: question store, artifact endpoint and the
// upload and generation websockets.
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	container *bootstrap.DevServerContainer
}

func New(cfg *config.Config, container *bootstrap.DevServerContainer) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             1 * 1024 * 1024,
		ErrorHandler:          serverutils.ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, PUT, OPTIONS",
	}))

	// OpenTelemetry tracing middleware (traces all HTTP requests)
	app.Use(otelfiber.Middleware())

	registerRoutes(app, cfg, container)

	return &Server{
		app:       app,
		cfg:       cfg,
		container: container,
	}
}

func (s *Server) GetApp() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	log.Printf("✅ Dev server is running on http://localhost:%s", s.cfg.DevServer.Port)
	return s.app.Listen(":" + s.cfg.DevServer.Port)
}

// Serve runs on an existing listener, for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func registerRoutes(app *fiber.App, cfg *config.Config, c *bootstrap.DevServerContainer) {
	api := app.Group("/api")

	c.QuestionController.RegisterRoutes(api)
	c.LogController.RegisterRoutes(api)

	c.StreamHandler.RegisterRoutes(app, serverutils.JwtMiddleware(cfg.DevServer.JwtSecret))
}
