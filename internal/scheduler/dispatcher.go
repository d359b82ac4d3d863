// Package scheduler selects due connections per schedule bucket and fans
// sync runs out over a worker pool. Ticks come from the internal cron or from
// the authenticated tick endpoint.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/syncengine"
)

// TickSummary reports one dispatch cycle.
type TickSummary struct {
	Bucket     string        `json:"bucket"`
	Candidates int           `json:"candidates"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Records    int   `json:"records_synced"`
	DurationMS int64 `json:"duration_ms"`
}

// Dispatcher runs one tick: ready-set selection, then parallel sync runs.
type Dispatcher struct {
	conns  *connections.Repository
	engine *syncengine.Engine
	cfg    *config.Config
	log    zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(conns *connections.Repository, engine *syncengine.Engine, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		conns:  conns,
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// Tick dispatches the due connections of one schedule bucket. Per-connection
// failures are absorbed into the summary; only selection errors propagate, so
// one broken connection cannot starve the rest of the bucket.
func (d *Dispatcher) Tick(ctx context.Context, bucket domain.SyncSchedule) (*TickSummary, error) {
	if !bucket.Valid() || bucket == domain.ScheduleManual {
		return nil, fmt.Errorf("invalid tick bucket: %s", bucket)
	}

	start := time.Now()
	tickCtx, cancel := context.WithTimeout(ctx, d.cfg.TickDeadline)
	defer cancel()

	ready, err := d.conns.ListReady(bucket, start.UTC(), d.cfg.BatchLimit(bucket))
	if err != nil {
		return nil, err
	}

	summary := &TickSummary{Bucket: string(bucket), Candidates: len(ready)}
	if len(ready) == 0 {
		summary.DurationMS = time.Since(start).Milliseconds()
		return summary, nil
	}

	ids := make(chan string, len(ready))
	for _, conn := range ready {
		ids <- conn.ID
	}
	close(ids)

	workers := d.cfg.WorkerPoolSize
	if workers > len(ready) {
		workers = len(ready)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				// The deadline stops new dispatches; a sync already under way
				// runs to completion on the parent context.
				if tickCtx.Err() != nil {
					return
				}

				result, err := d.engine.SyncConnection(ctx, id, "scheduled_sync")

				mu.Lock()
				summary.Dispatched++
				switch {
				case err != nil:
					summary.Failed++
				case result != nil && result.Skipped:
					summary.Skipped++
				default:
					summary.Succeeded++
					if result != nil {
						summary.Records += result.Counts.Imported
					}
				}
				mu.Unlock()

				if err != nil {
					d.log.Error().Err(err).
						Str("connection_id", id).
						Str("bucket", string(bucket)).
						Msg("Dispatched sync failed")
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	summary.DurationMS = elapsed.Milliseconds()
	d.log.Info().
		Str("bucket", string(bucket)).
		Int("candidates", summary.Candidates).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", elapsed).
		Msg("Tick completed")
	return summary, nil
}
