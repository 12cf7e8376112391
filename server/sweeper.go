package server

import (
	"context"
	"time"

	"github.com/pieter-berkel/storageflow/blob"
	"github.com/rs/zerolog/log"
)

// StartSweeper aborts multipart uploads older than ttl every interval
// until ctx is done. The returned channel is closed when the sweeper
// stopped.
func StartSweeper(ctx context.Context, s blob.Sweeper, interval, ttl time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.AbortStale(ctx, ttl)
				if err != nil {
					log.Error().Err(err).Msg("failed to sweep stale multipart uploads")
					continue
				}
				if n > 0 {
					log.Info().Int("aborted", n).Dur("ttl", ttl).Msg("stale multipart uploads aborted")
				}
			}
		}
	}()
	return done
}
