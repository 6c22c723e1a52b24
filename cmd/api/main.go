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

	"github.com/ethrdev/cognitive-memory-sub001/internal/app"
	"github.com/ethrdev/cognitive-memory-sub001/internal/archive"
	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/auth"
	"github.com/ethrdev/cognitive-memory-sub001/internal/config"
	"github.com/ethrdev/cognitive-memory-sub001/internal/export"
	"github.com/ethrdev/cognitive-memory-sub001/internal/locks"
	"github.com/ethrdev/cognitive-memory-sub001/internal/neutrality"
	"github.com/ethrdev/cognitive-memory-sub001/internal/safeguard"
	"github.com/ethrdev/cognitive-memory-sub001/internal/search"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

func main() {
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

	var locker locks.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for proposal locks")
		redisLocker, err := locks.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
	} else {
		log.Printf("Using in-process proposal locks")
		locker = locks.NewLocalLocker()
	}

	var classifier *neutrality.Classifier
	if strings.TrimSpace(cfg.ClassifierURL) != "" {
		classifier = neutrality.NewClassifier(cfg.ClassifierURL, cfg.ClassifierTimeout)
	}
	validator := neutrality.NewService(classifier, neutrality.NewLexicon())

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	ledger := archive.New(cfg.ArchiveDir)
	if err := ledger.Ensure(); err != nil {
		log.Fatalf("archive init failed: %v", err)
	}

	recorder := audit.NewBestEffort(audit.NewPgRecorder(db))
	authService := auth.NewService(dataStore, cfg.JWTSecret, cfg.AccessTTL)

	service := app.New(cfg, dataStore, safeguard.New(), validator, locker, recorder, authService).
		WithSearch(searchService).
		WithArchive(ledger)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexAllFromPG(ctx)

	exporter := export.NewService(dataStore, audit.NewPgRecorder(db))

	httpServer := app.NewHTTPServer(service, exporter, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Governance API listening on %s", cfg.Addr)
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
