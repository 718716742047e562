// Package workers contains background workers that run alongside the
// pipeline server.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shiplane/shiplane/internal/shell/provision"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Reaper
// =============================================================================

// ReaperConfig configures the environment reaper.
type ReaperConfig struct {
	Interval time.Duration
}

// DefaultReaperConfig returns default configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: time.Hour,
	}
}

// Reaper sweeps environments whose TTL has elapsed and destroys them.
// It only acts on expiry: environments left behind by failed runs keep
// their full TTL for post-failure debugging access.
type Reaper struct {
	store       store.Store
	provisioner *provision.Provisioner
	config      ReaperConfig
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates an environment reaper.
func NewReaper(s store.Store, p *provision.Provisioner, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:       s,
		provisioner: p,
		config:      config,
		logger:      logger.With("component", "reaper"),
	}
}

// Start begins the reaper background goroutine.
func (r *Reaper) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run()
	r.logger.Info("reaper started", "interval", r.config.Interval)
}

// Stop gracefully stops the reaper.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) run() {
	defer r.wg.Done()

	// Run immediately on start
	r.RunCycle(r.ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(r.ctx)
		}
	}
}

// RunCycle performs one sweep of expired environments. Exported so tests
// and operator tooling can trigger a sweep directly.
func (r *Reaper) RunCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	expired, err := r.store.ListExpiredEnvironments(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("failed to list expired environments", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	r.logger.Info("sweeping expired environments", "count", len(expired))

	for i := range expired {
		env := &expired[i]
		if err := r.provisioner.Destroy(ctx, env); err != nil {
			r.logger.Error("failed to destroy expired environment",
				"username", env.Username,
				"error", err,
			)
			continue
		}
		r.logger.Info("expired environment destroyed", "username", env.Username)
	}
}
