package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper evicts sessions whose last heartbeat is older than the idle
// timeout. It drives the exact same terminate path as explicit client
// requests, just in no-op-when-absent mode.
type Reaper struct {
	orch        *Orchestrator
	idleTimeout time.Duration
	interval    time.Duration
	cron        *cron.Cron
}

func NewReaper(orch *Orchestrator, idleTimeout, interval time.Duration) *Reaper {
	return &Reaper{
		orch:        orch,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start schedules the periodic sweep.
func (r *Reaper) Start() error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		r.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.cron = c
	log.Printf("Idle reaper started (timeout=%s, interval=%s)", r.idleTimeout, r.interval)
	return nil
}

// Stop halts the scheduler. A sweep already in progress finishes.
func (r *Reaper) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Sweep scans every registered identity once and terminates the stale ones,
// returning how many sessions were evicted. The staleness check runs inside
// the terminate path, under the per-identity lock, so a heartbeat that
// commits first aborts the eviction.
func (r *Reaper) Sweep(ctx context.Context) int {
	evicted := 0
	for _, identity := range r.orch.registry.identities() {
		reaped, err := r.orch.terminate(ctx, identity, terminateOpts{
			byReaper: true,
			idleFor:  r.idleTimeout,
		})
		if err != nil {
			log.Printf("Reaper: terminate %s: %v", identity, err)
			continue
		}
		if reaped {
			evicted++
		}
	}
	return evicted
}
