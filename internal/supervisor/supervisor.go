// Package supervisor owns the long-running workers: dependency-ordered
// startup, per-task cadence with jitter, failure backoff, panic policy, and
// graceful shutdown bounded by a drain deadline.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// ─── Task specification ─────────────────────────────────────────────────────

// PanicPolicy says what the supervisor does when a task panics.
type PanicPolicy int

const (
	PanicRestart  PanicPolicy = iota // treat like a failure, backoff and rerun
	PanicEscalate                    // notify and stop the task
	PanicShutdown                    // bring the whole supervisor down
)

// String returns a human-readable policy name.
func (p PanicPolicy) String() string {
	switch p {
	case PanicRestart:
		return "restart"
	case PanicEscalate:
		return "escalate"
	case PanicShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// TaskSpec declares one supervised task. Period > 0 reruns Run on a jittered
// cadence; Period == 0 marks a long-running task that is restarted with
// backoff if it returns an error and considered finished if it returns nil.
type TaskSpec struct {
	Name                   string
	Deps                   []string
	Period                 time.Duration
	Jitter                 time.Duration
	Backoff                time.Duration
	MaxConsecutiveFailures int
	OnPanic                PanicPolicy
	Run                    func(ctx context.Context) error
}

// ─── Supervisor ─────────────────────────────────────────────────────────────

// Config tunes the supervisor.
type Config struct {
	// DrainDeadline bounds how long Stop waits for tasks to return after
	// cancellation.
	DrainDeadline time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{DrainDeadline: 5 * time.Second}
}

// Supervisor runs a set of declared tasks.
type Supervisor struct {
	cfg      Config
	clock    clock.Clock
	notifier domain.Notifier
	rng      *rand.Rand

	mu      sync.Mutex
	tasks   []TaskSpec
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// New creates a supervisor. notifier may be nil.
func New(cfg Config, c clock.Clock, notifier domain.Notifier) *Supervisor {
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultConfig().DrainDeadline
	}
	if c == nil {
		c = clock.System()
	}
	return &Supervisor{
		cfg:      cfg,
		clock:    c,
		notifier: notifier,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add registers a task. Must be called before Start.
func (s *Supervisor) Add(spec TaskSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, spec)
}

// startOrder topologically sorts tasks by their dependency DAG.
func startOrder(tasks []TaskSpec) ([]TaskSpec, error) {
	byName := make(map[string]TaskSpec, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	var order []TaskSpec

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%s: %w", name, domain.ErrDependencyCycle)
		}
		state[name] = visiting
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("%s: %w", name, domain.ErrUnknownDependency)
		}
		for _, dep := range t.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, t)
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start validates the DAG and launches every task, dependencies first.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	order, err := startOrder(s.tasks)
	if err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, spec := range order {
		s.wg.Add(1)
		go s.runTask(ctx, spec)
		log.Printf("[supervisor] started %s (deps %v)", spec.Name, spec.Deps)
	}
	return nil
}

// Stop cancels every task and waits up to the drain deadline. Returns an
// error if any task failed to return in time.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Printf("[supervisor] all tasks drained")
		return nil
	case <-s.clock.After(s.cfg.DrainDeadline):
		return fmt.Errorf("tasks still running after drain deadline %s", s.cfg.DrainDeadline)
	}
}

// Shutdown cancels without waiting; used by the PanicShutdown policy.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runTask drives one task to completion or cancellation.
func (s *Supervisor) runTask(ctx context.Context, spec TaskSpec) {
	defer s.wg.Done()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err, panicked := s.invoke(ctx, spec)
		if ctx.Err() != nil {
			return
		}

		if panicked {
			metrics.WorkerPanics.WithLabelValues(spec.Name).Inc()
			switch spec.OnPanic {
			case PanicEscalate:
				log.Printf("[supervisor] %s panicked, escalating: %v", spec.Name, err)
				if s.notifier != nil {
					s.notifier.Notify(domain.SevEmergency, spec.Name, "worker panicked", err.Error())
				}
				return
			case PanicShutdown:
				log.Printf("[supervisor] %s panicked, shutting down: %v", spec.Name, err)
				if s.notifier != nil {
					s.notifier.Notify(domain.SevEmergency, spec.Name, "worker panicked, shutting down", err.Error())
				}
				s.Shutdown()
				return
			}
			// PanicRestart falls through to failure handling.
		}

		if err != nil {
			failures++
			if spec.MaxConsecutiveFailures > 0 && failures >= spec.MaxConsecutiveFailures {
				// A worker that cannot hold its cadence leaves the control
				// plane half-blind; take the whole supervisor down so the
				// process restarts cleanly instead of limping on.
				log.Printf("[supervisor] %s: %v after %d failures, shutting down: %v",
					spec.Name, domain.ErrTaskFailuresExceeded, failures, err)
				if s.notifier != nil {
					s.notifier.Notify(domain.SevCritical, spec.Name, "worker exhausted failure limit, shutting down", err.Error())
				}
				s.Shutdown()
				return
			}
			metrics.WorkerRestarts.WithLabelValues(spec.Name).Inc()
			log.Printf("[supervisor] %s failed (streak %d): %v", spec.Name, failures, err)
			if !s.sleep(ctx, s.backoffFor(spec, failures)) {
				return
			}
			continue
		}

		failures = 0
		if spec.Period <= 0 {
			return // long-running task finished cleanly
		}
		if !s.sleep(ctx, spec.Period+s.jitterFor(spec)) {
			return
		}
	}
}

// invoke runs one iteration with panic recovery.
func (s *Supervisor) invoke(ctx context.Context, spec TaskSpec) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return spec.Run(ctx), false
}

func (s *Supervisor) backoffFor(spec TaskSpec, failures int) time.Duration {
	base := spec.Backoff
	if base <= 0 {
		base = time.Second
	}
	return base * time.Duration(failures)
}

func (s *Supervisor) jitterFor(spec TaskSpec) time.Duration {
	if spec.Jitter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(spec.Jitter)))
}

// sleep waits on the injected clock, returning false on cancellation.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
