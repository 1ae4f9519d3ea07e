// Package fusion turns raw scorer output into ranked, de-duplicated
// incidents. One fuser instance serializes incident emission per tick, so
// two findings for the same (subject, kind) can never race each other into
// the stream.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes fusion behavior.
type Config struct {
	// MinAgreementForLift is how many scorers must flag the same kind
	// before severity is lifted one level. Two agreeing scorers already
	// raise confidence; severity only moves on broader consensus.
	MinAgreementForLift int

	// QualityLiftBelow lifts severity one level when frame quality drops
	// under the cutoff, since a degraded frame understates problems.
	QualityLiftBelow float64

	// DefaultCooldownSeconds gates recovery re-dispatch per (subject, kind).
	DefaultCooldownSeconds int

	// CooldownSeconds overrides the default per incident kind.
	CooldownSeconds map[domain.IncidentKind]int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinAgreementForLift:    3,
		QualityLiftBelow:       0.5,
		DefaultCooldownSeconds: 300,
	}
}

// ─── Recommendation table ───────────────────────────────────────────────────

// recommendation is the static action plan for one incident kind.
type recommendation struct {
	actions         []domain.ActionType
	autoRecoverable bool
}

// recommendations maps every analytics incident kind to its ordered action
// candidates. Kinds that describe physical hardware state (battery wear,
// upcoming maintenance) or need a human decision (security) are surfaced
// without automatic recovery.
var recommendations = map[domain.IncidentKind]recommendation{
	domain.KindSensorMalfunction:     {[]domain.ActionType{domain.ActionRestart}, true},
	domain.KindTemperatureAnomaly:    {[]domain.ActionType{domain.ActionRestart}, true},
	domain.KindPressureAnomaly:       {[]domain.ActionType{domain.ActionRestart}, true},
	domain.KindBatteryDegradation:    {nil, false},
	domain.KindCommunicationIssue:    {[]domain.ActionType{domain.ActionRestart, domain.ActionFailover}, true},
	domain.KindDataQualityDrop:       {[]domain.ActionType{domain.ActionUpdateConfig, domain.ActionRestart}, true},
	domain.KindPredictiveMaintenance: {nil, false},
	domain.KindSecurityBreach:        {[]domain.ActionType{domain.ActionCircuitBreak}, false},
}

// ─── Fuser ──────────────────────────────────────────────────────────────────

// Fuser builds incidents from the scores of one device tick.
type Fuser struct {
	cfg   Config
	clock clock.Clock
	newID func() string
}

// New creates a fuser. Zero config fields fall back to defaults; a nil
// clock uses the system clock.
func New(cfg Config, c clock.Clock) *Fuser {
	def := DefaultConfig()
	if cfg.MinAgreementForLift <= 0 {
		cfg.MinAgreementForLift = def.MinAgreementForLift
	}
	if cfg.QualityLiftBelow <= 0 {
		cfg.QualityLiftBelow = def.QualityLiftBelow
	}
	if cfg.DefaultCooldownSeconds <= 0 {
		cfg.DefaultCooldownSeconds = def.DefaultCooldownSeconds
	}
	if c == nil {
		c = clock.System()
	}
	return &Fuser{cfg: cfg, clock: c, newID: uuid.NewString}
}

// SetIDSource overrides incident id generation, for reproducible streams.
func (f *Fuser) SetIDSource(fn func() string) {
	if fn != nil {
		f.newID = fn
	}
}

// Fuse collapses one tick's scores for a subject into ranked incidents.
// Non-anomalous scores contribute nothing; anomalous scores are grouped by
// classified kind, deduplicated, and ranked.
func (f *Fuser) Fuse(subject string, scores []domain.Score, quality float64, metrics map[string]float64) []domain.Incident {
	groups := make(map[domain.IncidentKind][]domain.Score)
	for _, sc := range scores {
		if !sc.Anomalous {
			continue
		}
		kind := classify(sc)
		groups[kind] = append(groups[kind], sc)
	}
	if len(groups) == 0 {
		return nil
	}

	// Build in sorted kind order so id assignment is reproducible across
	// runs with identical inputs.
	kinds := make([]domain.IncidentKind, 0, len(groups))
	for kind := range groups {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	observed := f.clock.Now().UTC()
	incidents := make([]domain.Incident, 0, len(kinds))
	for _, kind := range kinds {
		incidents = append(incidents, f.build(subject, kind, groups[kind], quality, metrics, observed))
	}
	return Rank(incidents)
}

// build assembles one incident from the scores agreeing on a kind.
func (f *Fuser) build(subject string, kind domain.IncidentKind, group []domain.Score, quality float64, metrics map[string]float64, observed time.Time) domain.Incident {
	severity := domain.SevInfo
	var confSum float64
	for _, sc := range group {
		if sc.SeverityHint > severity {
			severity = sc.SeverityHint
		}
		confSum += sc.Confidence
	}

	// Severity never drops below the strongest hint; lifts only stack on
	// top of it.
	if len(group) >= f.cfg.MinAgreementForLift {
		severity = severity.Lift()
	}
	if quality < f.cfg.QualityLiftBelow {
		severity = severity.Lift()
	}

	confidence := (confSum / float64(len(group))) * agreementFactor(len(group))
	confidence = math.Min(1, math.Max(0, confidence))

	rec := recommendations[kind]
	cooldown := f.cfg.DefaultCooldownSeconds
	if override, ok := f.cfg.CooldownSeconds[kind]; ok && override > 0 {
		cooldown = override
	}

	return domain.Incident{
		ID:         f.newID(),
		Subject:    subject,
		Kind:       kind,
		Severity:   severity,
		Confidence: confidence,
		ObservedAt: observed,
		Evidence: domain.Evidence{
			Scores:  append([]domain.Score(nil), group...),
			Metrics: metrics,
		},
		AutoRecoverable:    rec.autoRecoverable,
		RecommendedActions: rec.actions,
		CooldownSeconds:    cooldown,
	}
}

// classify maps a score to its incident kind; scorers that did not name one
// fall back to a generic sensor malfunction.
func classify(sc domain.Score) domain.IncidentKind {
	if sc.IncidentKind != "" {
		return sc.IncidentKind
	}
	return domain.KindSensorMalfunction
}

// agreementFactor scales confidence with the number of scorers flagging the
// same kind: 1.0 for a lone scorer, +0.2 per additional voice.
func agreementFactor(n int) float64 {
	return 1 + 0.2*float64(n-1)
}

// ─── Dedupe and rank ────────────────────────────────────────────────────────

// Dedupe collapses incidents sharing (subject, kind), keeping the higher
// severity, then the higher confidence. Used when fusion output meets
// probe-derived incidents in one tick.
func Dedupe(incidents []domain.Incident) []domain.Incident {
	type key struct {
		subject string
		kind    domain.IncidentKind
	}
	best := make(map[key]domain.Incident)
	order := make([]key, 0, len(incidents))
	for _, inc := range incidents {
		k := key{inc.Subject, inc.Kind}
		cur, ok := best[k]
		if !ok {
			best[k] = inc
			order = append(order, k)
			continue
		}
		if inc.Severity > cur.Severity ||
			(inc.Severity == cur.Severity && inc.Confidence > cur.Confidence) {
			best[k] = inc
		}
	}
	out := make([]domain.Incident, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// Rank sorts incidents by severity desc, confidence desc, observed_at asc,
// with lexicographic subject as the final deterministic tie-break.
func Rank(incidents []domain.Incident) []domain.Incident {
	sort.SliceStable(incidents, func(i, j int) bool {
		a, b := incidents[i], incidents[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.Before(b.ObservedAt)
		}
		return a.Subject < b.Subject
	})
	return incidents
}
