// Package probe implements the subsystem health checks and the runner that
// drives them. Each probe samples one component, reports a flat metric map,
// and evaluates a declarative rule table over those metrics to produce
// incidents. The runner enforces a per-probe deadline; a probe that misses
// it becomes a Critical unreachable incident instead of stalling the scan.
package probe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// Result is one probe's sample.
type Result struct {
	Component string             `json:"component"`
	Metrics   map[string]float64 `json:"metrics"`
	Incidents []domain.Incident  `json:"incidents,omitempty"`
	Err       error              `json:"-"`
	Duration  time.Duration      `json:"duration"`
}

// Probe checks one component. Check must honor ctx and return promptly on
// cancellation.
type Probe interface {
	Name() string
	Check(ctx context.Context) (Result, error)
}

// ─── Rule tables ────────────────────────────────────────────────────────────

// Op selects the comparison direction of a rule predicate.
type Op int

const (
	Below Op = iota
	Above
)

// Rule maps a metric predicate to the incident it raises. Rules are data so
// thresholds live in one reviewable table per probe rather than scattered
// through check code.
type Rule struct {
	Name            string
	Metric          string
	Op              Op
	Threshold       float64
	Kind            domain.IncidentKind
	Severity        domain.Severity
	Actions         []domain.ActionType
	AutoRecoverable bool
	CooldownSeconds int
}

// Fires evaluates the predicate against a value.
func (r Rule) Fires(v float64) bool {
	if r.Op == Below {
		return v < r.Threshold
	}
	return v > r.Threshold
}

// ─── Incident builder ───────────────────────────────────────────────────────

// Builder stamps probe incidents with time and identity. Shared across all
// probes of a runner so the id source can be swapped once for reproducible
// streams.
type Builder struct {
	clock clock.Clock
	newID func() string
}

// NewBuilder creates a builder; nil clock uses the system clock.
func NewBuilder(c clock.Clock) *Builder {
	if c == nil {
		c = clock.System()
	}
	return &Builder{clock: c, newID: uuid.NewString}
}

// SetIDSource overrides incident id generation.
func (b *Builder) SetIDSource(fn func() string) {
	if fn != nil {
		b.newID = fn
	}
}

// Incident assembles a probe-derived incident.
func (b *Builder) Incident(subject string, kind domain.IncidentKind, sev domain.Severity,
	actions []domain.ActionType, auto bool, cooldownSeconds int, evidence map[string]float64) domain.Incident {
	if cooldownSeconds <= 0 {
		cooldownSeconds = 300
	}
	return domain.Incident{
		ID:                 b.newID(),
		Subject:            subject,
		Kind:               kind,
		Severity:           sev,
		Confidence:         0.9,
		ObservedAt:         b.clock.Now().UTC(),
		Evidence:           domain.Evidence{Metrics: evidence},
		AutoRecoverable:    auto,
		RecommendedActions: actions,
		CooldownSeconds:    cooldownSeconds,
	}
}

// Evaluate runs a rule table over sampled metrics. Rules whose metric is
// absent from the sample are skipped, not treated as zero.
func (b *Builder) Evaluate(subject string, rules []Rule, sampled map[string]float64) []domain.Incident {
	var out []domain.Incident
	for _, r := range rules {
		v, ok := sampled[r.Metric]
		if !ok {
			continue
		}
		if r.Fires(v) {
			out = append(out, b.Incident(subject, r.Kind, r.Severity, r.Actions, r.AutoRecoverable,
				r.CooldownSeconds, map[string]float64{r.Metric: v}))
		}
	}
	return out
}

// ─── Runner ─────────────────────────────────────────────────────────────────

// RunnerConfig tunes the probe runner.
type RunnerConfig struct {
	// DefaultDeadline bounds probes with no specific override.
	DefaultDeadline time.Duration

	// Deadlines overrides the deadline per probe name.
	Deadlines map[string]time.Duration
}

// DefaultRunnerConfig returns production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{DefaultDeadline: 10 * time.Second}
}

// Runner drives all probes concurrently under per-probe deadlines.
type Runner struct {
	cfg      RunnerConfig
	builder  *Builder
	notifier domain.Notifier
	probes   []Probe
}

// NewRunner creates a runner over the given probes. notifier may be nil.
func NewRunner(cfg RunnerConfig, b *Builder, notifier domain.Notifier, probes ...Probe) *Runner {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultRunnerConfig().DefaultDeadline
	}
	if b == nil {
		b = NewBuilder(nil)
	}
	return &Runner{cfg: cfg, builder: b, notifier: notifier, probes: probes}
}

// deadlineFor resolves the configured deadline for one probe.
func (r *Runner) deadlineFor(name string) time.Duration {
	if d, ok := r.cfg.Deadlines[name]; ok && d > 0 {
		return d
	}
	return r.cfg.DefaultDeadline
}

// RunAll checks every probe in parallel and returns results in probe
// registration order. A probe that errors or misses its deadline yields a
// Critical unreachable incident in its result; the scan itself never fails.
func (r *Runner) RunAll(ctx context.Context) []Result {
	results := make([]Result, len(r.probes))
	var wg sync.WaitGroup
	for i, p := range r.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = r.runOne(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return results
}

// runOne executes a single probe under its deadline.
func (r *Runner) runOne(ctx context.Context, p Probe) Result {
	deadline := r.deadlineFor(p.Name())
	pctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Check(pctx)
		done <- outcome{res, err}
	}()

	var res Result
	var err error
	select {
	case o := <-done:
		res, err = o.res, o.err
	case <-pctx.Done():
		err = fmt.Errorf("probe %s: %w", p.Name(), domain.ErrProbeTimeout)
	}
	res.Component = p.Name()
	res.Duration = time.Since(start)
	metrics.ProbeDuration.WithLabelValues(p.Name()).Observe(res.Duration.Seconds())

	if err != nil {
		reason := "error"
		if pctx.Err() != nil {
			reason = "timeout"
		}
		metrics.ProbeFailures.WithLabelValues(p.Name(), reason).Inc()
		log.Printf("[probe] %s failed after %s: %v", p.Name(), res.Duration.Round(time.Millisecond), err)

		res.Err = err
		res.Incidents = append(res.Incidents, r.builder.Incident(
			p.Name(), domain.KindUnreachable, domain.SevCritical,
			nil, false, 0,
			map[string]float64{"deadline_seconds": deadline.Seconds()},
		))
		if r.notifier != nil {
			r.notifier.Notify(domain.SevCritical, p.Name(), "probe failed", err.Error())
		}
	}
	return res
}

// Incidents flattens the incidents of a scan in result order.
func Incidents(results []Result) []domain.Incident {
	var out []domain.Incident
	for _, res := range results {
		out = append(out, res.Incidents...)
	}
	return out
}
