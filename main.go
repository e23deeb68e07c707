package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"bitbucket.org/mmdatafocus/social_backend/queue"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := newRouter(logger)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// IMPORTANT: AutoMigrate can run DDL that blocks tables; allow disabling
	// migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	publishCore = queue.NewExecutor(db, logger)

	// Background retry sweep for FAILED rows whose backoff has elapsed. Can
	// also run as the standalone publish-retry-worker binary.
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	defer cancelSweeper()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("PUBLISH_SWEEP_DISABLED")), "true") {
		sweeper := queue.NewRetrySweeper(queue.NewGormStore(db), publishCore, logger)
		go sweeper.Run(sweeperCtx)
	}

	logger.WithFields(logrus.Fields{"field": "startup", "port": port}).Info("social backend ready")

	select {
	case <-sigCtx.Done():
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Info("signal received; draining")
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Error("http server failed: " + err.Error())
		}
	}

	cancelSweeper()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Error("graceful shutdown failed: " + err.Error())
	}
}
