package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// RegistrySweeper: periodic pruning and reporting of the target registry
// ---------------------------------------------------------------------------

// SweepStats holds statistics from a single sweep.
type SweepStats struct {
	Pruned        int
	Live          int
	Reported      bool
	SweepDuration time.Duration
	Timestamp     time.Time
}

// RegistrySweeper periodically prunes collected targets from a Runtime's
// registry and hands a statistics report to the runtime's reporters.
type RegistrySweeper struct {
	rt       *Runtime
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	sweepCount atomic.Uint64
	lastStats  atomic.Pointer[SweepStats]
}

// DefaultSweepInterval is used when a sweeper is created without an interval.
const DefaultSweepInterval = 30 * time.Second

// NewRegistrySweeper creates a sweeper for rt. It does not start it.
func NewRegistrySweeper(rt *Runtime, interval time.Duration) *RegistrySweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &RegistrySweeper{
		rt:       rt,
		interval: interval,
	}
	s.enabled.Store(true)
	return s
}

// Start begins the sweep goroutine. Calling Start twice runs one loop.
func (s *RegistrySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	stopCh := s.stop
	stoppedCh := s.stopped
	go s.loop(stopCh, stoppedCh)
}

// Stop halts the sweep goroutine and waits for it to exit. It is safe to
// call on a sweeper that was never started.
func (s *RegistrySweeper) Stop() {
	s.mu.Lock()
	stopCh := s.stop
	stoppedCh := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled turns sweeping on or off without stopping the goroutine.
func (s *RegistrySweeper) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Interval returns the sweep interval.
func (s *RegistrySweeper) Interval() time.Duration {
	return s.interval
}

// SweepCount returns the number of sweeps performed.
func (s *RegistrySweeper) SweepCount() uint64 {
	return s.sweepCount.Load()
}

// LastStats returns the most recent sweep's statistics, or nil.
func (s *RegistrySweeper) LastStats() *SweepStats {
	return s.lastStats.Load()
}

// SweepNow performs one sweep immediately.
func (s *RegistrySweeper) SweepNow() *SweepStats {
	return s.sweep()
}

func (s *RegistrySweeper) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.enabled.Load() {
				s.sweep()
			}
		}
	}
}

func (s *RegistrySweeper) sweep() *SweepStats {
	start := time.Now()
	stats := &SweepStats{Timestamp: start}

	stats.Pruned = s.rt.registry.Prune()
	stats.Live = s.rt.registry.Len()

	if s.rt.hasReporters() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		if err := s.rt.Report(ctx, false); err != nil {
			registryLog.Errorf("periodic report: %s", err)
		} else {
			stats.Reported = true
		}
		cancel()
	}

	stats.SweepDuration = time.Since(start)
	s.sweepCount.Add(1)
	s.lastStats.Store(stats)
	return stats
}
