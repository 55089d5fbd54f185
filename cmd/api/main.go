package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/ai/anthropic"
	"draftroom/api/internal/ai/lorem"
	"draftroom/api/internal/app"
	"draftroom/api/internal/config"
	"draftroom/api/internal/presence"
	"draftroom/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	registry, err := presence.NewRegistry(cfg.RedisURL, cfg.PresenceTTL, cfg.HeartbeatEvery)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer registry.Close()

	var provider ai.Provider
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		provider, err = anthropic.NewProvider(cfg.AnthropicAPIKey, cfg.Model)
		if err != nil {
			log.Fatalf("anthropic provider setup failed: %v", err)
		}
	} else {
		log.Printf("ANTHROPIC_API_KEY not set, using the lorem fake provider")
		provider = lorem.NewProvider()
	}
	log.Printf("AI provider: %s", provider.Name())

	service := app.NewService(cfg, dataStore, registry, provider)
	httpServer := app.NewHTTPServer(service)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-User-Id", "X-User-Name"},
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsMiddleware.Handler(httpServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the events endpoint holds its stream open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Draftroom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.Close(shutdownCtx)
}
