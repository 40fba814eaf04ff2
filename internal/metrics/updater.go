package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunStats reports stored optimization runs grouped by status.
type RunStats interface {
	CountRunsByStatus(ctx context.Context) (map[string]int, error)
}

// Updater periodically refreshes run gauges from the result store
type Updater struct {
	stats    RunStats
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewUpdater creates a new metrics updater
func NewUpdater(stats RunStats, interval time.Duration) *Updater {
	return &Updater{
		stats:    stats,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the update loop until Stop or ctx ends
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater. Safe to call more than once.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
}

func (u *Updater) update(ctx context.Context) {
	counts, err := u.stats.CountRunsByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch run statistics")
		return
	}

	OptimizationRuns.Reset()
	for status, n := range counts {
		OptimizationRuns.WithLabelValues(status).Set(float64(n))
	}
	log.Debug().Int("statuses", len(counts)).Msg("Run metrics updated")
}
