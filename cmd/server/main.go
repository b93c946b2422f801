// Package main is the entry point for the kontor bank statement
// reconciliation service. It imports bank statements into drafts, lets
// users classify and validate entries, books them into the immutable
// posting ledger and keeps per-period aggregates and account balances
// consistent with that ledger.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rhagen/kontor/internal/config"
	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/modules/aggregates"
	"github.com/rhagen/kontor/internal/modules/booking"
	"github.com/rhagen/kontor/internal/modules/classify"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/drafts"
	"github.com/rhagen/kontor/internal/modules/ledger"
	"github.com/rhagen/kontor/internal/modules/splits"
	"github.com/rhagen/kontor/internal/modules/validate"
	"github.com/rhagen/kontor/internal/queue"
	"github.com/rhagen/kontor/internal/server"
	"github.com/rhagen/kontor/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting kontor")

	// Single database so a booking commits postings, aggregates, balance
	// and entry status in one transaction.
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "kontor",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Repositories
	directoryRepo := directory.NewRepository(db.Conn(), log)
	draftRepo := drafts.NewRepository(db.Conn(), log)
	postingRepo := ledger.NewPostingRepository(db.Conn(), log)
	aggregateRepo := ledger.NewAggregateRepository(db.Conn(), log)

	// Services
	importer := drafts.NewImporter(draftRepo, directoryRepo, log)
	classifier := classify.NewClassifier(directoryRepo, log)
	linker := splits.NewLinker(draftRepo, log)
	validator := validate.NewValidator(draftRepo, directoryRepo, log)
	aggEngine := aggregates.NewEngine(aggregateRepo, log)
	bookingEngine := booking.NewEngine(db, draftRepo, validator, postingRepo, aggEngine, directoryRepo, log)
	rebuilder := aggregates.NewRebuilder(postingRepo, aggregateRepo, directoryRepo, cfg.RebuildBatchSize, log)

	// Background job runner for aggregate rebuilds
	runner := queue.NewRunner(func(ctx context.Context, userID int64, progress func(processed, total int)) error {
		return rebuilder.RebuildForUser(ctx, userID, progress)
	}, log)

	// Scheduler with the draft retention job
	scheduler := queue.NewScheduler(log)
	retention := queue.NewRetentionJob(draftRepo, time.Duration(cfg.DraftRetentionDays)*24*time.Hour, log)
	if err := scheduler.AddJob("0 0 3 * * *", retention); err != nil {
		log.Fatal().Err(err).Msg("Failed to register retention job")
	}
	scheduler.Start()

	srv := server.New(server.Config{
		Log:        log,
		DB:         db,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		DataDir:    cfg.DataDir,
		Drafts:     draftRepo,
		Importer:   importer,
		Directory:  directoryRepo,
		Classifier: classifier,
		Splits:     linker,
		Validator:  validator,
		Booking:    bookingEngine,
		Postings:   postingRepo,
		Aggregates: aggregateRepo,
		Runner:     runner,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	scheduler.Stop()

	// In-flight requests get up to 10 seconds to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
