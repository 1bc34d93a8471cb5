package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/joho/godotenv"

	"scribe/sync/internal/app"
	"scribe/sync/internal/archive"
	"scribe/sync/internal/config"
	"scribe/sync/internal/events"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/search"
	"scribe/sync/internal/session"
	"scribe/sync/internal/store"
	"scribe/sync/internal/version"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var blobs *store.SnapshotBlobs
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = store.NewSnapshotBlobs(ctx, store.BlobConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage failed: %v", err)
		}
		log.Printf("Storing large snapshots in bucket %q", cfg.MinioBucket)
	}

	versions := version.New(dataStore, blobs)
	pres := presence.NewManager(cfg.PresenceTTL)

	var bus events.Bus
	var mirror *presence.RedisPresence
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBus, err := events.NewRedisBus(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisBus.Close()
		bus = redisBus
		mirror, err = presence.NewRedisPresence(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer mirror.Close()
		log.Printf("Relaying events between gateways over Redis")
	} else {
		log.Printf("Running single-node, events stay in process")
		bus = events.NewLocalBus()
	}

	sessions := session.NewRegistry(dataStore, versions, pres, bus, session.Options{
		SnapshotOps:        cfg.SnapshotOps,
		SnapshotInterval:   cfg.SnapshotInterval,
		CausalTimeout:      cfg.CausalTimeout,
		TombstoneRetention: uint64(cfg.TombstoneRetention),
	})

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatalf("failed to create archive dir: %v", err)
		}
		archiveService = archive.New(cfg.ArchiveDir)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	service := app.New(dataStore, sessions, versions, archiveService, searchService, mirror, bus)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	go service.ConsumeEvents(ctx)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.CloseIdle(15 * time.Minute); n > 0 {
					log.Printf("closed %d idle rooms", n)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MDNS {
		if mdns, err := announce(cfg.Addr); err != nil {
			log.Printf("WARNING: mDNS announce failed: %v", err)
		} else {
			defer mdns.Shutdown()
		}
	}

	go func() {
		log.Printf("Scribe sync gateway %s listening on %s", sessions.Instance(), cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	cancel()
	// Rooms snapshot their pending ops before the process exits.
	sessions.Shutdown()
}

// announce registers the gateway on the local network so agents can find
// it without configuration.
func announce(addr string) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "scribe-sync"
	}
	srv, err := zeroconf.Register(instance, "_scribe-sync._tcp", "local.", port, []string{"api=/api"}, nil)
	if err != nil {
		return nil, err
	}
	log.Printf("Announcing _scribe-sync._tcp as %q on port %d", instance, port)
	return srv, nil
}
