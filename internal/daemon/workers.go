package daemon

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/fusion"
	"github.com/tiresense/tiresense/internal/metrics"
	"github.com/tiresense/tiresense/internal/probe"
	"github.com/tiresense/tiresense/internal/scaler"
	"github.com/tiresense/tiresense/internal/supervisor"
)

// ingestFlushSize bounds one storage append transaction.
const ingestFlushSize = 100

// addTasks declares the worker DAG: ingestion feeds inference and health,
// health feeds the scaler and chaos verification.
func (d *Daemon) addTasks() {
	w := d.Config.Workers

	d.Supervisor.Add(supervisor.TaskSpec{
		Name:                   "ingest",
		Backoff:                2 * time.Second,
		MaxConsecutiveFailures: 5,
		OnPanic:                supervisor.PanicRestart,
		Run:                    d.runIngest,
	})
	d.Supervisor.Add(supervisor.TaskSpec{
		Name:    "inference",
		Deps:    []string{"ingest"},
		Period:  parseDuration(w.InferenceInterval, 30*time.Second),
		Jitter:  2 * time.Second,
		Backoff: 5 * time.Second,
		OnPanic: supervisor.PanicRestart,
		Run:     d.runInference,
	})
	d.Supervisor.Add(supervisor.TaskSpec{
		Name:    "health",
		Deps:    []string{"ingest"},
		Period:  parseDuration(w.HealthInterval, time.Minute),
		Jitter:  5 * time.Second,
		Backoff: 5 * time.Second,
		OnPanic: supervisor.PanicRestart,
		Run:     d.runHealth,
	})
	if d.Config.Scaler.Enabled && len(d.Config.Scaler.Deployments) > 0 {
		d.Supervisor.Add(supervisor.TaskSpec{
			Name:    "scaler",
			Deps:    []string{"health"},
			Period:  parseDuration(w.ScalerInterval, time.Minute),
			Backoff: 10 * time.Second,
			OnPanic: supervisor.PanicRestart,
			Run:     d.runScaler,
		})
	}
	d.Supervisor.Add(supervisor.TaskSpec{
		Name:    "maintenance",
		Period:  parseDuration(w.MaintenanceInterval, 24*time.Hour),
		Backoff: time.Minute,
		OnPanic: supervisor.PanicRestart,
		Run:     d.runMaintenance,
	})
	if d.Config.Chaos.Enabled {
		d.Supervisor.Add(supervisor.TaskSpec{
			Name:    "chaos",
			Deps:    []string{"health"},
			Period:  parseDuration(w.ChaosInterval, 10*time.Minute),
			OnPanic: supervisor.PanicEscalate,
			Run:     d.runChaos,
		})
	}
}

// runIngest drains the readings topic into the pipeline and persists
// accepted readings in batches. A batch commits in one transaction, so
// cancellation lands between batches, never inside one.
func (d *Daemon) runIngest(ctx context.Context) error {
	sub := d.readings.Subscribe()
	defer sub.Unsubscribe()

	var batch []domain.Reading
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Store.AppendReadings(fctx, batch); err != nil {
			log.Printf("[ingest] persist %d readings: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	defer flush()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			// Topic closed or shutdown; the deferred flush commits the tail.
			if errors.Is(err, domain.ErrTopicClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ev.Missed > 0 {
			log.Printf("[ingest] lagged, lost %d readings", ev.Missed)
			continue
		}

		r := ev.Payload
		r.ArrivalSeq = ev.Seq
		if err := d.Pipeline.Ingest(r); err != nil {
			continue // counted by the pipeline
		}
		batch = append(batch, r)
		if len(batch) >= ingestFlushSize {
			flush()
		}
	}
}

// runInference scores every warm device window, fuses the verdicts into
// ranked incidents, and hands them to the recovery engine.
func (d *Daemon) runInference(ctx context.Context) error {
	var all []domain.Incident
	for _, device := range d.Pipeline.Devices() {
		frame, err := d.Pipeline.Frame(device)
		if err != nil {
			continue
		}

		var scores []domain.Score
		for _, sc := range d.Scorers {
			score, err := sc.Score(frame)
			if err != nil {
				continue // cold, degraded, or unloaded; the frame stays unscored
			}
			scores = append(scores, score)
		}
		all = append(all, d.Fuser.Fuse(device, scores, frame.Quality, nil)...)
	}

	incidents := fusion.Rank(fusion.Dedupe(all))
	for _, inc := range incidents {
		if err := d.Store.AppendIncident(ctx, inc); err != nil {
			log.Printf("[inference] persist incident %s: %v", inc.ID, err)
			continue
		}
		metrics.IncidentsTotal.WithLabelValues(string(inc.Kind), inc.Severity.String()).Inc()
		if err := d.incidents.Publish(ctx, inc); err != nil {
			log.Printf("[inference] publish incident %s: %v", inc.ID, err)
		}
	}
	d.Recovery.Process(ctx, incidents)
	return nil
}

// runHealth scans the platform probes, reconciles cleared incidents, and
// publishes a fresh snapshot.
func (d *Daemon) runHealth(ctx context.Context) error {
	results := d.Runner.RunAll(ctx)

	incidents := probe.Incidents(results)
	for _, inc := range incidents {
		if err := d.Store.AppendIncident(ctx, inc); err != nil {
			log.Printf("[health] persist incident %s: %v", inc.ID, err)
			continue
		}
		metrics.IncidentsTotal.WithLabelValues(string(inc.Kind), inc.Severity.String()).Inc()
		if err := d.incidents.Publish(ctx, inc); err != nil {
			log.Printf("[health] publish incident %s: %v", inc.ID, err)
		}
	}
	d.Recovery.Process(ctx, incidents)
	d.Health.Reconcile(ctx, results)

	open, err := d.Store.QueryIncidents(ctx, domain.IncidentFilter{Unresolved: true})
	if err != nil {
		return err
	}
	d.Health.Publish(ctx, d.Health.Compute(open))
	return nil
}

// scanHealth is the chaos verification scan: a full probe pass plus
// reconciliation, scored over whatever remains open.
func (d *Daemon) scanHealth(ctx context.Context) domain.HealthSnapshot {
	results := d.Runner.RunAll(ctx)
	d.Health.Reconcile(ctx, results)
	open, err := d.Store.QueryIncidents(ctx, domain.IncidentFilter{Unresolved: true})
	if err != nil {
		log.Printf("[chaos] verification query: %v", err)
		return domain.HealthSnapshot{Status: domain.HealthCritical}
	}
	return d.Health.Compute(open)
}

// runScaler samples the gateway's load metrics and applies the scaling
// policy once.
func (d *Daemon) runScaler(ctx context.Context) error {
	if endpoint := d.Config.Scaler.MetricsEndpoint; endpoint != "" {
		sampled, err := d.fetcher.Fetch(ctx, endpoint)
		if err != nil {
			return err
		}
		d.Scaler.Record(scaler.LoadSample{
			Timestamp:   d.Clock.Now(),
			LatencyMS:   sampled["response_time_ms"],
			RequestRate: sampled["request_rate"],
			CPUPercent:  sampled["cpu_percent"],
			MemPercent:  sampled["memory_percent"],
		})
	}
	d.Scaler.Tick(ctx)
	return nil
}

// runMaintenance enforces retention, compacts storage, trims the ledger,
// and refits the outlier forest on current traffic.
func (d *Daemon) runMaintenance(ctx context.Context) error {
	cutoff := d.Clock.Now().AddDate(0, 0, -d.Config.Recovery.RetentionDays)
	purged, err := d.Store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if err := d.Store.RunMaintenance(ctx, ""); err != nil {
		return err
	}
	expired := d.Recovery.Ledger().Expire(24 * time.Hour)
	log.Printf("[maintenance] purged %d rows, expired %d cooldowns", purged, expired)

	// Refit on what the fleet currently looks like.
	var samples [][]float64
	for _, device := range d.Pipeline.Devices() {
		frame, err := d.Pipeline.Frame(device)
		if err != nil {
			continue
		}
		for _, row := range frame.Rows {
			samples = append(samples, row.Vector())
		}
	}
	if len(samples) > 0 {
		d.forest.Fit(samples)
	}
	return nil
}

// runChaos attempts one chaos round; gate refusals are routine, a failed
// round is already escalated by the injector itself.
func (d *Daemon) runChaos(ctx context.Context) error {
	_, err := d.Chaos.Tick(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrChaosDisabled),
		errors.Is(err, domain.ErrOutsideWindow),
		errors.Is(err, domain.ErrSubjectCritical):
	case errors.Is(err, context.Canceled):
		return err
	default:
		log.Printf("[chaos] round: %v", err)
	}
	return nil
}
