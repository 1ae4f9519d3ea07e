// Package pipeline turns raw device readings into feature frames: validate,
// clip, score quality, normalize, and window per device.
//
// The pipeline is single-writer (the ingest worker) and multi-reader (the
// inference and health workers); Frame takes a short-lived consistent
// snapshot of the device window under a read lock.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/metrics"
)

// ─── Channel Bounds ─────────────────────────────────────────────────────────

// Bound is the physical validity range of one channel.
type Bound struct {
	Min, Max float64
}

// channelBounds are the accepted physical ranges. Out-of-bound values are
// clipped and flagged, not dropped.
//
// Pressure is kPa gauge from tire-mounted sensors: 0 is a flat tire, the
// ceiling is the sensor measurement limit. The range stays wide so the
// scorer thresholds (critical-low 200, high 350) always see the unclipped
// value.
var channelBounds = map[string]Bound{
	domain.ChTemperature:  {Min: -40, Max: 85},
	domain.ChHumidity:     {Min: 0, Max: 100},
	domain.ChPressure:     {Min: 0, Max: 1400},
	domain.ChAcceleration: {Min: 0, Max: 5},
}

// requiredChannels must be present for full quality; each missing one costs
// 0.25 quality, each clipped one 0.1.
var requiredChannels = []string{
	domain.ChTemperature,
	domain.ChHumidity,
	domain.ChPressure,
	domain.ChAcceleration,
}

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes the pipeline windows.
type Config struct {
	// WindowK is the per-device ring capacity in readings.
	WindowK int

	// WindowT is the time span retained. A reading is evicted only when it
	// is outside both WindowK and WindowT.
	WindowT time.Duration

	// MinWindow is the reading count below which a device is in cold start
	// and Frame returns ErrColdStart.
	MinWindow int
}

// DefaultConfig returns production defaults: 60 readings or 5 minutes,
// whichever holds more, cold start below 10.
func DefaultConfig() Config {
	return Config{
		WindowK:   60,
		WindowT:   5 * time.Minute,
		MinWindow: 10,
	}
}

// ─── Scaler Parameters ──────────────────────────────────────────────────────

// ScalerParams is a per-channel linear normalizer: out = (v − Offset) / Scale.
// Loaded at startup and refittable by the maintenance worker.
type ScalerParams struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
}

// identityScalers passes values through untouched.
func identityScalers() map[string]ScalerParams {
	out := make(map[string]ScalerParams, len(requiredChannels)+2)
	for _, ch := range []string{
		domain.ChTemperature, domain.ChHumidity, domain.ChPressure,
		domain.ChAcceleration, domain.ChBattery, domain.ChSignal,
	} {
		out[ch] = ScalerParams{Offset: 0, Scale: 1}
	}
	return out
}

// ─── Pipeline ───────────────────────────────────────────────────────────────

// Stats counts pipeline outcomes since start.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Dropped    uint64 `json:"dropped"`
	Duplicates uint64 `json:"duplicates"`
	Clipped    uint64 `json:"clipped"`
	Devices    int    `json:"devices"`
}

// Pipeline maintains per-device windows of validated readings.
type Pipeline struct {
	mu      sync.RWMutex
	cfg     Config
	clock   clock.Clock
	devices map[string]*deviceWindow
	scalers map[string]ScalerParams

	arrivalSeq atomic.Uint64
	accepted   atomic.Uint64
	dropped    atomic.Uint64
	duplicates atomic.Uint64
	clipped    atomic.Uint64
}

type deviceWindow struct {
	rows []windowRow // chronological by (timestamp, arrival_seq)
	seen map[int64]struct{}
}

type windowRow struct {
	ts         time.Time
	arrivalSeq uint64
	values     map[string]float64 // clipped raw values
	quality    float64
}

// New creates a pipeline. Zero config fields fall back to defaults.
func New(cfg Config, c clock.Clock) *Pipeline {
	def := DefaultConfig()
	if cfg.WindowK <= 0 {
		cfg.WindowK = def.WindowK
	}
	if cfg.WindowT <= 0 {
		cfg.WindowT = def.WindowT
	}
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = def.MinWindow
	}
	if c == nil {
		c = clock.System()
	}
	return &Pipeline{
		cfg:     cfg,
		clock:   c,
		devices: make(map[string]*deviceWindow),
		scalers: identityScalers(),
	}
}

// Ingest validates one reading and appends it to the device window.
// Returns ErrReadingInvalid for unusable readings and ErrDuplicateReading
// for a (device, timestamp) pair already accepted; both are counted.
func (p *Pipeline) Ingest(r domain.Reading) error {
	if r.DeviceID == "" || len(r.Channels) == 0 {
		p.dropped.Add(1)
		metrics.ReadingsDropped.WithLabelValues("empty").Inc()
		return domain.ErrReadingInvalid
	}
	for ch, v := range r.Channels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			p.dropped.Add(1)
			metrics.ReadingsDropped.WithLabelValues("non_finite").Inc()
			return fmt.Errorf("%w: channel %s is not finite", domain.ErrReadingInvalid, ch)
		}
	}

	values := make(map[string]float64, len(r.Channels))
	quality := 1.0
	clippedAny := false
	for ch, v := range r.Channels {
		if b, bounded := channelBounds[ch]; bounded {
			switch {
			case v < b.Min:
				v = b.Min
				quality -= 0.1
				clippedAny = true
			case v > b.Max:
				v = b.Max
				quality -= 0.1
				clippedAny = true
			}
		}
		values[ch] = v
	}
	for _, ch := range requiredChannels {
		if _, ok := values[ch]; !ok {
			quality -= 0.25
		}
	}
	if quality < 0 {
		quality = 0
	}
	if clippedAny {
		p.clipped.Add(1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dw, ok := p.devices[r.DeviceID]
	if !ok {
		dw = &deviceWindow{seen: make(map[int64]struct{})}
		p.devices[r.DeviceID] = dw
	}

	tsKey := r.Timestamp.UnixNano()
	if _, dup := dw.seen[tsKey]; dup {
		p.duplicates.Add(1)
		metrics.ReadingsDropped.WithLabelValues("duplicate").Inc()
		return domain.ErrDuplicateReading
	}
	dw.seen[tsKey] = struct{}{}

	row := windowRow{
		ts:         r.Timestamp,
		arrivalSeq: p.arrivalSeq.Add(1),
		values:     values,
		quality:    quality,
	}
	// Arrival order is ingest order; out-of-order timestamps are inserted by
	// (timestamp, arrival_seq) so frames stay chronological.
	idx := sort.Search(len(dw.rows), func(i int) bool {
		if dw.rows[i].ts.Equal(row.ts) {
			return dw.rows[i].arrivalSeq > row.arrivalSeq
		}
		return dw.rows[i].ts.After(row.ts)
	})
	dw.rows = append(dw.rows, windowRow{})
	copy(dw.rows[idx+1:], dw.rows[idx:])
	dw.rows[idx] = row

	p.evictLocked(dw)
	p.accepted.Add(1)
	metrics.ReadingsAccepted.Inc()
	return nil
}

// evictLocked drops readings outside both the count and time bounds.
func (p *Pipeline) evictLocked(dw *deviceWindow) {
	cutoff := p.clock.Now().Add(-p.cfg.WindowT)
	for len(dw.rows) > p.cfg.WindowK && dw.rows[0].ts.Before(cutoff) {
		delete(dw.seen, dw.rows[0].ts.UnixNano())
		dw.rows = dw.rows[1:]
	}
}

// Frame snapshots one device window into a feature frame. Missing channels
// are imputed from the last known value, falling back to the window median.
// Returns ErrColdStart below MinWindow and ErrUnknownDevice when the device
// was never seen.
func (p *Pipeline) Frame(deviceID string) (domain.FeatureFrame, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dw, ok := p.devices[deviceID]
	if !ok {
		return domain.FeatureFrame{}, domain.ErrUnknownDevice
	}
	if len(dw.rows) < p.cfg.MinWindow {
		return domain.FeatureFrame{}, fmt.Errorf("%w: %s has %d of %d readings",
			domain.ErrColdStart, deviceID, len(dw.rows), p.cfg.MinWindow)
	}

	frame := domain.FeatureFrame{
		DeviceID: deviceID,
		Rows:     make([]domain.FeatureRow, 0, len(dw.rows)),
		Start:    dw.rows[0].ts,
		End:      dw.rows[len(dw.rows)-1].ts,
	}

	lastKnown := map[string]float64{}
	medians := p.windowMediansLocked(dw)
	qualitySum := 0.0
	degraded := false

	for _, row := range dw.rows {
		fr := domain.FeatureRow{Timestamp: row.ts, Quality: row.quality}
		for _, ch := range []string{
			domain.ChTemperature, domain.ChHumidity, domain.ChPressure,
			domain.ChAcceleration, domain.ChBattery, domain.ChSignal,
		} {
			v, ok := row.values[ch]
			if !ok {
				if lv, seen := lastKnown[ch]; seen {
					v = lv
				} else {
					v = medians[ch]
				}
			} else {
				lastKnown[ch] = v
			}
			norm, err := p.normalizeLocked(ch, v)
			if err != nil {
				degraded = true
				norm = v
			}
			switch ch {
			case domain.ChTemperature:
				fr.Temperature = norm
			case domain.ChHumidity:
				fr.Humidity = norm
			case domain.ChPressure:
				fr.Pressure = norm
			case domain.ChAcceleration:
				fr.Acceleration = norm
			case domain.ChBattery:
				fr.Battery = norm
			case domain.ChSignal:
				fr.Signal = norm
			}
		}
		qualitySum += row.quality
		frame.Rows = append(frame.Rows, fr)
	}

	frame.Quality = qualitySum / float64(len(dw.rows))
	frame.Degraded = degraded
	return frame, nil
}

// Devices lists device IDs with a warm window, sorted for determinism.
func (p *Pipeline) Devices() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.devices))
	for id, dw := range p.devices {
		if len(dw.rows) >= p.cfg.MinWindow {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// WindowLen reports the current window size for a device.
func (p *Pipeline) WindowLen(deviceID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dw, ok := p.devices[deviceID]
	if !ok {
		return 0
	}
	return len(dw.rows)
}

// SetScaler replaces one channel's normalizer. Scale 0 disables the channel's
// normalization and marks frames degraded.
func (p *Pipeline) SetScaler(channel string, params ScalerParams) {
	p.mu.Lock()
	p.scalers[channel] = params
	p.mu.Unlock()
}

// Stats returns counters since start.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	devices := len(p.devices)
	p.mu.RUnlock()
	return Stats{
		Accepted:   p.accepted.Load(),
		Dropped:    p.dropped.Load(),
		Duplicates: p.duplicates.Load(),
		Clipped:    p.clipped.Load(),
		Devices:    devices,
	}
}

func (p *Pipeline) normalizeLocked(channel string, v float64) (float64, error) {
	s, ok := p.scalers[channel]
	if !ok || s.Scale == 0 {
		return v, fmt.Errorf("%w: no scaler for %s", domain.ErrFrameDegraded, channel)
	}
	return (v - s.Offset) / s.Scale, nil
}

func (p *Pipeline) windowMediansLocked(dw *deviceWindow) map[string]float64 {
	collected := map[string][]float64{}
	for _, row := range dw.rows {
		for ch, v := range row.values {
			collected[ch] = append(collected[ch], v)
		}
	}
	medians := make(map[string]float64, len(collected))
	for ch, vals := range collected {
		sort.Float64s(vals)
		medians[ch] = vals[len(vals)/2]
	}
	return medians
}
