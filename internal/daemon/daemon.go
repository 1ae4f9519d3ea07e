package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tiresense/tiresense/internal/api"
	"github.com/tiresense/tiresense/internal/bus"
	"github.com/tiresense/tiresense/internal/cache"
	"github.com/tiresense/tiresense/internal/chaos"
	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/fusion"
	"github.com/tiresense/tiresense/internal/health"
	"github.com/tiresense/tiresense/internal/notify"
	"github.com/tiresense/tiresense/internal/orchestrator"
	"github.com/tiresense/tiresense/internal/pipeline"
	"github.com/tiresense/tiresense/internal/probe"
	"github.com/tiresense/tiresense/internal/recovery"
	"github.com/tiresense/tiresense/internal/scaler"
	"github.com/tiresense/tiresense/internal/scorer"
	"github.com/tiresense/tiresense/internal/scrape"
	"github.com/tiresense/tiresense/internal/storage"
	"github.com/tiresense/tiresense/internal/supervisor"
)

// Daemon is the control plane runtime. It wires the feature pipeline,
// scorers, fusion, probes, recovery, scaling, and chaos behind one
// supervisor and one ops HTTP surface.
type Daemon struct {
	Config   Config
	Clock    clock.Clock
	Store    *storage.DB
	Cache    *cache.Cache
	Notifier *notify.Notifier
	Orch     domain.Orchestrator

	Pipeline   *pipeline.Pipeline
	Scorers    []domain.Scorer
	Fuser      *fusion.Fuser
	Runner     *probe.Runner
	Recovery   *recovery.Engine
	Scaler     *scaler.Scaler
	Health     *health.Monitor
	Chaos      *chaos.Injector
	Supervisor *supervisor.Supervisor
	Server     *api.Server

	readings   *bus.Topic[domain.Reading]
	incidents  *bus.Topic[domain.Incident]
	recoveries *bus.Topic[domain.RecoveryRecord]
	snapshots  *bus.Topic[domain.HealthSnapshot]

	fetcher *scrape.Fetcher
	forest  *scorer.HalfSpaceForest
	seqpred *scorer.SeqPredScorer
	cancel  context.CancelFunc
}

// version is stamped by the build; the CLI overrides it.
var version = "dev"

// SetVersion sets the version string reported by the ops surface.
func SetVersion(v string) { version = v }

// New creates a daemon from the on-disk config.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a daemon with all services wired.
func NewWithConfig(cfg Config) (*Daemon, error) {
	clk := clock.System()

	dir := cfg.Node.Dir
	if dir == "" {
		dir = tiresenseHome()
	}
	store, err := storage.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{
		Config: cfg,
		Clock:  clk,
		Store:  store,
		Cache: cache.New(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		}),
		Notifier: notify.New(notify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			QueueSize:  cfg.Notify.QueueSize,
		}, nil),
		fetcher: scrape.NewFetcher(nil),

		readings:   bus.NewTopic[domain.Reading]("readings", 1024, bus.Block),
		incidents:  bus.NewTopic[domain.Incident]("incidents", 256, bus.DropOldest),
		recoveries: bus.NewTopic[domain.RecoveryRecord]("recoveries", 256, bus.DropOldest),
		snapshots:  bus.NewTopic[domain.HealthSnapshot]("health", 16, bus.DropOldest),
	}

	// The simulated orchestrator stands in until a real platform adapter is
	// configured; it gives probes, recovery, and chaos a live target set.
	deployments := make(map[string]int, len(cfg.Scaler.Deployments))
	for _, dep := range cfg.Scaler.Deployments {
		min := cfg.Scaler.MinReplicas[dep]
		if min < 1 {
			min = 1
		}
		deployments[dep] = min
	}
	d.Orch = orchestrator.NewSim(deployments)

	d.Pipeline = pipeline.New(pipeline.Config{
		WindowK:   cfg.Pipeline.WindowK,
		WindowT:   parseDuration(cfg.Pipeline.WindowT, 5*time.Minute),
		MinWindow: cfg.Pipeline.MinWindow,
	}, clk)

	d.forest = scorer.NewHalfSpaceForest(25, 8, 1)
	d.seqpred = scorer.NewSeqPredScorer(domain.ChPressure)
	if blob, err := os.ReadFile(filepath.Join(dir, "models", "pressure_ar.bin")); err == nil {
		if err := d.seqpred.LoadWeights(blob); err != nil {
			log.Printf("[daemon] pressure model rejected: %v", err)
		}
	}
	d.Scorers = []domain.Scorer{
		scorer.NewRuleScorer(scorer.DefaultRules()),
		scorer.NewStatScorer(scorer.DefaultStatConfig()),
		scorer.NewOutlierScorer(d.forest),
		d.seqpred,
	}

	cooldowns := make(map[domain.IncidentKind]int, len(cfg.Fusion.CooldownSeconds))
	for kind, secs := range cfg.Fusion.CooldownSeconds {
		cooldowns[domain.IncidentKind(kind)] = secs
	}
	d.Fuser = fusion.New(fusion.Config{
		MinAgreementForLift:    cfg.Fusion.MinAgreementForLift,
		DefaultCooldownSeconds: cfg.Fusion.DefaultCooldownSeconds,
		CooldownSeconds:        cooldowns,
	}, clk)

	ledger := clock.NewCooldownLedger(clk)
	d.Recovery = recovery.New(recovery.Config{
		VerifyDelay:           parseDuration(cfg.Recovery.VerifyDelay, 10*time.Second),
		DefaultActionDeadline: parseDuration(cfg.Recovery.ActionDeadline, 60*time.Second),
		Breaker: recovery.BreakerConfig{
			FailureThreshold: cfg.Recovery.FailureThreshold,
			ResetTimeout:     parseDuration(cfg.Recovery.ResetTimeout, 10*time.Minute),
		},
	}, clk, ledger, recovery.Deps{
		Orch:          d.Orch,
		Cache:         d.Cache,
		Store:         store,
		MinReplicas:   cfg.Scaler.MinReplicas,
		MaxReplicas:   cfg.Scaler.MaxReplicas,
		RetentionDays: cfg.Recovery.RetentionDays,
	}, store, d.Notifier, d.recoveries)

	builder := probe.NewBuilder(clk)
	probes := []probe.Probe{
		probe.NewStoreProbe(builder, store),
		probe.NewCacheProbe(builder, d.Cache),
		probe.NewBusProbe(builder, cfg.Probes.BusAddr),
		probe.NewOrchestratorProbe(builder, d.Orch, cfg.Probes.Namespace),
		probe.NewHostProbe(builder, probe.NewProcSampler(dir)),
		probe.NewFleetProbe(builder, fleetFromPipeline{d.Pipeline}),
	}
	for _, svc := range cfg.Probes.Services {
		probes = append(probes, probe.NewServiceProbe(builder, svc.Name, svc.Endpoint, d.fetcher))
	}
	deadlines := make(map[string]time.Duration, len(cfg.Probes.Deadlines))
	for name, raw := range cfg.Probes.Deadlines {
		deadlines[name] = parseDuration(raw, 0)
	}
	d.Runner = probe.NewRunner(probe.RunnerConfig{
		DefaultDeadline: parseDuration(cfg.Probes.Deadline, 10*time.Second),
		Deadlines:       deadlines,
	}, builder, d.Notifier, probes...)

	// Scaler and recovery share the ledger, so predictive and reactive
	// scaling on one deployment contend on a single key.
	d.Scaler = scaler.New(scaler.Config{
		UpThreshold:   cfg.Scaler.UpThreshold,
		DownThreshold: cfg.Scaler.DownThreshold,
		PeakHours:     cfg.Scaler.PeakHours,
		MinHold:       parseDuration(cfg.Scaler.MinHold, 10*time.Minute),
		Deployments:   cfg.Scaler.Deployments,
		MinReplicas:   cfg.Scaler.MinReplicas,
		MaxReplicas:   cfg.Scaler.MaxReplicas,
	}, clk, ledger, d.Orch, scaler.NewRegressionModel())

	d.Health = health.New(health.Config{}, clk, store, d.Cache, d.snapshots)

	d.Chaos = chaos.New(chaos.Config{
		Enabled:          cfg.Chaos.Enabled,
		Hours:            cfg.Chaos.Hours,
		RecoveryBudget:   parseDuration(cfg.Chaos.RecoveryBudget, 5*time.Minute),
		CriticalSubjects: cfg.Chaos.CriticalSubjects,
	}, clk, d.Orch, store, d.Notifier, chaos.Hooks{}, d.scanHealth)

	d.Supervisor = supervisor.New(supervisor.Config{
		DrainDeadline: parseDuration(cfg.Workers.DrainDeadline, 5*time.Second),
	}, clk, d.Notifier)
	d.addTasks()

	d.Server = api.NewServer(version, store, d.Pipeline, d.Health)
	d.Server.SetIngest(d.enqueueReadings)
	d.Server.SetLedger(ledger)
	d.Server.SetScaler(d.Scaler)
	d.Server.SetChaosStatus(d.Chaos.DisabledUntil)

	return d, nil
}

// fleetFromPipeline backs the fleet probe with the pipeline's device table:
// a device is online while its window is warm.
type fleetFromPipeline struct {
	pipe *pipeline.Pipeline
}

func (f fleetFromPipeline) DeviceCounts(context.Context) (total, online int, err error) {
	return f.pipe.Stats().Devices, len(f.pipe.Devices()), nil
}

// enqueueReadings is the API ingestion sink: shallow validation, then onto
// the readings topic for the ingest worker.
func (d *Daemon) enqueueReadings(batch []domain.Reading) (accepted, rejected int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, r := range batch {
		if r.DeviceID == "" || len(r.Channels) == 0 {
			rejected++
			continue
		}
		if err := d.readings.Publish(ctx, r); err != nil {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected
}

// Serve starts the workers and the ops HTTP server and blocks until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.readings.Close()
		if err := d.Supervisor.Stop(); err != nil {
			log.Printf("[daemon] drain: %v", err)
		}
		d.Recovery.Wait()
		_ = httpServer.Shutdown(shutdownCtx)
		d.shutdownShared()
	}()

	log.Printf("[daemon] tiresense %s serving on http://%s", version, addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources without serving.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.readings.Close()
	_ = d.Supervisor.Stop()
	d.Recovery.Wait()
	d.shutdownShared()
}

func (d *Daemon) shutdownShared() {
	d.incidents.Close()
	d.recoveries.Close()
	d.snapshots.Close()
	d.Notifier.Close()
	if err := d.Cache.Close(); err != nil {
		log.Printf("[daemon] close cache: %v", err)
	}
	if err := d.Store.Close(); err != nil {
		log.Printf("[daemon] close store: %v", err)
	}
}
