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

	"glowdesk/api/internal/app"
	"glowdesk/api/internal/config"
	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/export"
	"glowdesk/api/internal/search"
	"glowdesk/api/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := docstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := docstore.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	documents := docstore.NewPostgres(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	pgSearch := search.NewPgClients(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)

	var exporter *export.Service
	if strings.TrimSpace(cfg.ExportEndpoint) != "" {
		exporter, err = export.New(ctx, export.Config{
			Endpoint:  cfg.ExportEndpoint,
			AccessKey: cfg.ExportAccessKey,
			SecretKey: cfg.ExportSecretKey,
			Bucket:    cfg.ExportBucket,
			UseSSL:    cfg.ExportUseSSL,
		})
		if err != nil {
			log.Fatalf("export storage connection failed: %v", err)
		}
	}

	service := app.NewService(cfg, documents, sessions, searchService, exporter)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Glowdesk API listening on %s", cfg.Addr)
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
}
