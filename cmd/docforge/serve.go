package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"docforge/internal/bootstrap"
	"docforge/internal/server"
	"docforge/internal/tracer"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dev stream server (question store, upload and generation websockets)",
		RunE: func(_ *cobra.Command, _ []string) error {
			// 1. Load Configuration
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// 1.5 Initialize Tracer (reads OTEL_* after .env is loaded)
			shutdownTracer := tracer.InitTracer("docforge-devserver")
			defer shutdownTracer(context.Background())

			// 2. Bootstrap Dependencies (Container)
			container := bootstrap.NewDevServerContainer(cfg)
			defer container.Close()

			// 3. Initialize Server
			srv := server.New(cfg, container)

			go func() {
				quit := make(chan os.Signal, 1)
				signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
				<-quit
				log.Println("Shutting down dev server...")
				srv.Shutdown()
			}()

			// 4. Run Server
			return srv.Run()
		},
	}
}
