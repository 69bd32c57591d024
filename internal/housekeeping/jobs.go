package housekeeping

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

// DeliveryPruner removes delivery log rows attempted before a cutoff.
type DeliveryPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PruneDeliveries trims the delivery log to the retention window.
func PruneDeliveries(p DeliveryPruner, retention time.Duration, now func() time.Time, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		before := now().Add(-retention)
		n, err := p.Prune(ctx, before)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned delivery log", "rows", n, "before", before)
		}
		return nil
	}
}

// Backupper takes and expires backups.
type Backupper interface {
	Enabled() bool
	Run(ctx context.Context) (*model.Backup, error)
	Prune(ctx context.Context) (int, error)
}

// Backup takes a backup and then applies retention. A failed backup does
// not skip retention.
func Backup(b Backupper) JobFunc {
	return func(ctx context.Context) error {
		if !b.Enabled() {
			return nil
		}
		_, runErr := b.Run(ctx)
		_, pruneErr := b.Prune(ctx)
		return errors.Join(runErr, pruneErr)
	}
}

// LimiterCleaner drops idle rate limiter entries.
type LimiterCleaner interface {
	Cleanup(idle time.Duration) int
}

func CleanupLimiter(l LimiterCleaner, idle time.Duration) JobFunc {
	return func(context.Context) error {
		l.Cleanup(idle)
		return nil
	}
}
