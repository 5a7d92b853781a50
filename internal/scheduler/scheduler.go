package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/detection"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

var (
	tickExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_tick_executions_total",
		Help: "Detection cycles started.",
	})
	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_tick_errors_total",
		Help: "Detection cycles that returned an error.",
	})
	tickSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_tick_skipped_total",
		Help: "Ticks dropped because a cycle was already in flight.",
	})
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delay_tracker_tick_duration_seconds",
		Help:    "Detection cycle duration.",
		Buckets: prometheus.DefBuckets,
	})
	journeysProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_journeys_processed_total",
		Help: "Journeys examined across all cycles.",
	})
	delaysDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_delays_detected_total",
		Help: "Delay alerts created across all cycles.",
	})
	claimsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delay_tracker_claims_triggered_total",
		Help: "Compensation claims successfully triggered.",
	})
)

// IntervalFromCron converts a cron expression to a fixed tick interval by
// measuring the gap between its next two activations. The service paces on a
// steady timer, not on wall-clock cron alignment.
func IntervalFromCron(expr string) (time.Duration, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	first := sched.Next(time.Now())
	second := sched.Next(first)
	iv := second.Sub(first)
	if iv <= 0 {
		return 0, fmt.Errorf("cron expression %q yields non-positive interval", expr)
	}
	return iv, nil
}

// runner is what the scheduler fires each tick.
type runner interface {
	RunCycle(ctx context.Context) (detection.CycleResult, error)
}

// Scheduler fires the detection orchestrator on a fixed cadence. At most one
// cycle runs at a time; overlapping ticks are dropped, never queued.
type Scheduler struct {
	orch     runner
	interval time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	inFlight atomic.Bool

	// snapshot counters for the /healthz style status endpoint
	executions atomic.Int64
	errors     atomic.Int64
	lastRun    atomic.Int64 // unix seconds; 0 = never
}

func New(orch runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{orch: orch, interval: interval}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start launches the tick loop and fires one cycle immediately. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight cycle to drain. Calling
// Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	log := logger.Logger.With().Str("component", "scheduler").Logger()
	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	s.Execute(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Execute(ctx)
		}
	}
}

// Execute runs one guarded cycle. If a cycle is already in flight the tick is
// dropped. Orchestrator errors are counted and logged, never propagated.
func (s *Scheduler) Execute(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		tickSkipped.Inc()
		logger.Logger.Warn().Str("component", "scheduler").Msg("tick dropped, cycle in flight")
		return
	}
	defer s.inFlight.Store(false)

	tickExecutions.Inc()
	s.executions.Add(1)

	start := time.Now()
	res, err := s.orch.RunCycle(ctx)
	tickDuration.Observe(time.Since(start).Seconds())
	s.lastRun.Store(time.Now().Unix())

	if err != nil {
		tickErrors.Inc()
		s.errors.Add(1)
		logger.Logger.Error().Err(err).Str("component", "scheduler").Msg("detection cycle failed")
		return
	}

	journeysProcessed.Add(float64(res.JourneysChecked))
	delaysDetected.Add(float64(res.DelaysDetected))
	claimsTriggered.Add(float64(res.ClaimsTriggered))
}

// Status is a point-in-time snapshot for readiness reporting.
type Status struct {
	Running    bool       `json:"running"`
	Executions int64      `json:"executions"`
	Errors     int64      `json:"errors"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	st := Status{
		Running:    running,
		Executions: s.executions.Load(),
		Errors:     s.errors.Load(),
	}
	if ts := s.lastRun.Load(); ts > 0 {
		t := time.Unix(ts, 0).UTC()
		st.LastRunAt = &t
	}
	return st
}
