package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartExpirySweeper compacts expired messages out of the ledger every
// interval until ctx is cancelled.
func StartExpirySweeper(
	ctx context.Context,
	store *MessageStore,
	interval time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.Compact()
				if err != nil {
					log.Error("failed to sweep expired messages", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("swept expired messages", zap.Int("removed", removed))
				}
			}
		}
	}()
}
