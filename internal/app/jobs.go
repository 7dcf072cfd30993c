/**
 * @description
 * Scheduled maintenance jobs for the ledger-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const purgeJobTimeout = time.Minute

// LockoutPurger deletes finished lockouts.
type LockoutPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	purger LockoutPurger
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(purger LockoutPurger, logger *slog.Logger) *Jobs {
	return &Jobs{
		purger: purger,
		logger: logger,
	}
}

// PurgeExpiredLockouts removes failed-login records whose lockout window has passed.
func (j *Jobs) PurgeExpiredLockouts() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeJobTimeout)
	defer cancel()

	removed, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("failed to purge expired lockouts", "err", err)
		return
	}
	if removed > 0 {
		j.logger.Info("purged expired lockouts", "removed", removed)
	}
}
