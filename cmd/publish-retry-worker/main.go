// publish-retry-worker runs the retry sweeper as a standalone process,
// for deployments that keep the API serving path free of background work.
// Coordination with in-process sweepers happens through the queue rows
// themselves (conditional claim) plus the shared Redis sweep lock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/queue"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	executor := queue.NewExecutor(db, logger)
	sweeper := queue.NewRetrySweeper(queue.NewGormStore(db), executor, logger)

	logger.WithFields(logrus.Fields{
		"field":      "startup",
		"sweeper_id": sweeper.SweeperID,
	}).Info("publish retry worker started")

	sweeper.Run(sigCtx)

	logger.WithFields(logrus.Fields{"field": "shutdown"}).Info("publish retry worker stopped")
}
