// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/config"
	"github.com/certen/ceremony-coordinator/pkg/contributionverifier"
	"github.com/certen/ceremony-coordinator/pkg/coordinator"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/firestore"
	"github.com/certen/ceremony-coordinator/pkg/firestoresync"
	"github.com/certen/ceremony-coordinator/pkg/lifecycle"
	"github.com/certen/ceremony-coordinator/pkg/metrics"
	"github.com/certen/ceremony-coordinator/pkg/server"
	"github.com/certen/ceremony-coordinator/pkg/uploadsession"
	"github.com/certen/ceremony-coordinator/pkg/verification"
)

func main() {
	logger := log.New(os.Stdout, "[CeremonyCoordinator] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config:", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config:", err)
	}

	dbClient, err := database.NewClient(cfg, database.WithLogger(logger))
	if err != nil {
		logger.Fatal("connect database:", err)
	}
	defer dbClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dbClient.MigrateUp(ctx); err != nil {
		logger.Fatal("run migrations:", err)
	}
	repo := database.NewRepository(dbClient)

	blobs, err := blobstore.NewGCSBlobStore(ctx, blobstore.GCSConfig{
		CredentialsFile: cfg.GCSCredentialsFile,
		Logger:          log.New(os.Stdout, "[BlobStore] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatal("connect blob store:", err)
	}
	defer blobs.Close()

	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	localVerifier := verification.NewGnarkLocalVerifier(
		cfg.ContributionVerificationSoftwareName,
		cfg.ContributionVerificationSoftwareVersion,
	)
	worker := verification.NewSSHVerificationWorker(log.New(os.Stdout, "[VerificationWorker] ", log.LstdFlags))

	software := ceremony.VerificationSoftware{
		Name:       cfg.ContributionVerificationSoftwareName,
		Version:    cfg.ContributionVerificationSoftwareVersion,
		CommitHash: cfg.ContributionVerificationSoftwareCommitHash,
	}

	coord := coordinator.New(repo,
		coordinator.WithLogger(log.New(os.Stdout, "[Coordinator] ", log.LstdFlags)),
		coordinator.WithMetrics(collectors),
		coordinator.WithTickInterval(cfg.CoordinatorTickInterval),
		coordinator.WithTimeoutDefaults(coordinator.TimeoutDefaults{
			Download:     cfg.FixedDownloadTimeout,
			Upload:       cfg.FixedUploadTimeout,
			Verification: cfg.FixedVerificationTimeout,
		}),
	)

	verifier := contributionverifier.New(repo, blobs, localVerifier, worker, software,
		contributionverifier.WithLogger(log.New(os.Stdout, "[ContributionVerifier] ", log.LstdFlags)),
		contributionverifier.WithMetrics(collectors),
		contributionverifier.WithNudger(coord),
	)

	lc := lifecycle.New(repo, worker,
		lifecycle.WithLogger(log.New(os.Stdout, "[Lifecycle] ", log.LstdFlags)),
		lifecycle.WithSweepInterval(cfg.LifecycleSweepInterval),
	)

	uploads := uploadsession.New(repo, blobs,
		uploadsession.WithLogger(log.New(os.Stdout, "[UploadSession] ", log.LstdFlags)),
	)

	if cfg.FirestoreEnabled {
		fsClient, err := firestore.NewClient(ctx, &firestore.ClientConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
			Enabled:         true,
			Logger:          log.New(os.Stdout, "[Firestore] ", log.LstdFlags),
		})
		if err != nil {
			logger.Printf("firestore sync disabled, failed to initialize client: %v", err)
		} else {
			defer fsClient.Close()
			coordinator.WithSync(firestoresync.New(fsClient, log.New(os.Stdout, "[FirestoreSync] ", log.LstdFlags)))(coord)
		}
	}

	ceremonyHandlers := server.NewCeremonyHandlers(repo, blobs, lc, cfg.BucketPostfix, log.New(os.Stdout, "[CeremonyAPI] ", log.LstdFlags))
	participantHandlers := server.NewParticipantHandlers(repo, coord, log.New(os.Stdout, "[ParticipantAPI] ", log.LstdFlags))
	storageHandlers := server.NewStorageHandlers(repo, blobs, uploads, cfg.BucketPostfix, cfg.PresignedURLTTL, log.New(os.Stdout, "[StorageAPI] ", log.LstdFlags))
	circuitHandlers := server.NewCircuitHandlers(repo, verifier, cfg.BucketPostfix, log.New(os.Stdout, "[CircuitAPI] ", log.LstdFlags))

	mux := server.NewRouter(ceremonyHandlers, participantHandlers, storageHandlers, circuitHandlers)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go coord.Run(ctx)
	go lc.Run(ctx)

	go func() {
		logger.Printf("ceremony coordinator API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server:", err)
		}
	}()

	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down ceremony coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics server shutdown: %v", err)
	}
}
