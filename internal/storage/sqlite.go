// Package storage provides SQLite-backed persistence for readings,
// incidents, and recovery records. Uses WAL mode for concurrent reads and
// crash-safe writes; batch appends are transactionally bounded so a
// cancelled worker never leaves half a batch behind.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/probe"
)

// DB wraps a SQLite connection with WAL mode and migrations. Implements
// domain.Store and probe.StoreProber.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/tiresense.db.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "tiresense.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			device_id   TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			arrival_seq INTEGER NOT NULL,
			channels    TEXT NOT NULL,
			quality     REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (device_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			id                  TEXT PRIMARY KEY,
			subject             TEXT NOT NULL,
			kind                TEXT NOT NULL,
			severity            INTEGER NOT NULL,
			confidence          REAL NOT NULL,
			observed_at         INTEGER NOT NULL,
			evidence            TEXT NOT NULL DEFAULT '{}',
			auto_recoverable    BOOLEAN NOT NULL DEFAULT 0,
			recommended_actions TEXT NOT NULL DEFAULT '[]',
			cooldown_seconds    INTEGER NOT NULL DEFAULT 300,
			resolved_at         INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_subject ON incidents(subject, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_kind ON incidents(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(resolved_at) WHERE resolved_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS recoveries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id  TEXT NOT NULL,
			action       TEXT NOT NULL,
			target       TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL,
			success      BOOLEAN NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			side_effects TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recoveries_incident ON recoveries(incident_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recoveries_started ON recoveries(started_at)`,
	}
	for i, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// ─── Readings ───────────────────────────────────────────────────────────────

// AppendReadings persists a batch in one transaction. Duplicate
// (device_id, ts) pairs are ignored; the pipeline already dropped them from
// the hot path, this only guards replays across restarts.
func (d *DB) AppendReadings(ctx context.Context, batch []domain.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO readings
		(device_id, ts, arrival_seq, channels, quality) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		channels, err := json.Marshal(r.Channels)
		if err != nil {
			return fmt.Errorf("marshal channels for %s: %w", r.DeviceID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.DeviceID, r.Timestamp.UnixNano(),
			r.ArrivalSeq, string(channels), r.RawQuality); err != nil {
			return fmt.Errorf("insert reading %s@%s: %w", r.DeviceID, r.Timestamp.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// QueryReadings returns readings matching the filter, oldest first.
func (d *DB) QueryReadings(ctx context.Context, f domain.ReadingFilter, limit int) ([]domain.Reading, error) {
	q := `SELECT device_id, ts, arrival_seq, channels, quality FROM readings WHERE 1=1`
	var args []any
	if f.DeviceID != "" {
		q += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if !f.Since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		q += ` AND ts < ?`
		args = append(args, f.Until.UnixNano())
	}
	q += ` ORDER BY ts, arrival_seq`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var r domain.Reading
		var ts int64
		var channels string
		if err := rows.Scan(&r.DeviceID, &ts, &r.ArrivalSeq, &channels, &r.RawQuality); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Incidents ──────────────────────────────────────────────────────────────

// AppendIncident persists an incident. Incidents are immutable after
// creation; only resolved_at is ever written later.
func (d *DB) AppendIncident(ctx context.Context, inc domain.Incident) error {
	evidence, err := json.Marshal(inc.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	actions, err := json.Marshal(inc.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO incidents
		(id, subject, kind, severity, confidence, observed_at, evidence,
		 auto_recoverable, recommended_actions, cooldown_seconds, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Subject, string(inc.Kind), int(inc.Severity), inc.Confidence,
		inc.ObservedAt.UnixNano(), string(evidence), inc.AutoRecoverable,
		string(actions), inc.CooldownSeconds, nullableUnixNano(inc.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", inc.ID, err)
	}
	return nil
}

// QueryIncidents returns incidents matching the filter, newest first.
func (d *DB) QueryIncidents(ctx context.Context, f domain.IncidentFilter) ([]domain.Incident, error) {
	q := `SELECT id, subject, kind, severity, confidence, observed_at, evidence,
		auto_recoverable, recommended_actions, cooldown_seconds, resolved_at
		FROM incidents WHERE 1=1`
	var args []any
	if f.Subject != "" {
		q += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		q += ` AND observed_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	if f.Unresolved {
		q += ` AND resolved_at IS NULL`
	}
	q += ` ORDER BY observed_at DESC`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ResolveIncident stamps resolved_at once. Returns false when the incident
// was already resolved, so concurrent resolvers see exactly one true.
func (d *DB) ResolveIncident(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE incidents SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		at.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("resolve incident %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already resolved" from "never existed".
	var one int
	err = d.db.QueryRowContext(ctx, `SELECT 1 FROM incidents WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%s: %w", id, domain.ErrIncidentNotFound)
	}
	return false, err
}

// ─── Recoveries ─────────────────────────────────────────────────────────────

// AppendRecovery persists one append-only recovery record.
func (d *DB) AppendRecovery(ctx context.Context, r domain.RecoveryRecord) error {
	sideEffects, err := json.Marshal(r.SideEffects)
	if err != nil {
		return fmt.Errorf("marshal side effects: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO recoveries
		(incident_id, action, target, started_at, duration_ms, success, message, side_effects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.IncidentID, string(r.Action), r.Target, r.StartedAt.UnixNano(),
		r.Duration.Milliseconds(), r.Success, r.Message, string(sideEffects))
	if err != nil {
		return fmt.Errorf("insert recovery for %s: %w", r.IncidentID, err)
	}
	return nil
}

// QueryRecoveries returns recovery records matching the filter, newest first.
func (d *DB) QueryRecoveries(ctx context.Context, f domain.RecoveryFilter) ([]domain.RecoveryRecord, error) {
	q := `SELECT incident_id, action, target, started_at, duration_ms, success, message, side_effects
		FROM recoveries WHERE 1=1`
	var args []any
	if f.IncidentID != "" {
		q += ` AND incident_id = ?`
		args = append(args, f.IncidentID)
	}
	if f.Target != "" {
		q += ` AND target = ?`
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		q += ` AND started_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	q += ` ORDER BY started_at DESC`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query recoveries: %w", err)
	}
	defer rows.Close()

	var out []domain.RecoveryRecord
	for rows.Next() {
		var r domain.RecoveryRecord
		var action, sideEffects string
		var started, durationMS int64
		if err := rows.Scan(&r.IncidentID, &action, &r.Target, &started,
			&durationMS, &r.Success, &r.Message, &sideEffects); err != nil {
			return nil, fmt.Errorf("scan recovery: %w", err)
		}
		r.Action = domain.ActionType(action)
		r.StartedAt = time.Unix(0, started).UTC()
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(sideEffects), &r.SideEffects); err != nil {
			return nil, fmt.Errorf("unmarshal side effects: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Maintenance ────────────────────────────────────────────────────────────

// maintainableTables whitelists table names for RunMaintenance, in the
// order a full pass analyzes them.
var maintainableTables = []string{"readings", "incidents", "recoveries"}

// RunMaintenance analyzes one table, or every maintainable table when the
// name is empty, so the query planner keeps up with churn. Table names are
// whitelisted; they cannot be parameterized in SQL.
func (d *DB) RunMaintenance(ctx context.Context, table string) error {
	if table == "" {
		for _, t := range maintainableTables {
			if err := d.RunMaintenance(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
	known := false
	for _, t := range maintainableTables {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown table %q", table)
	}
	if _, err := d.db.ExecContext(ctx, `ANALYZE `+table); err != nil {
		return fmt.Errorf("analyze %s: %w", table, err)
	}
	return nil
}

// PurgeBefore deletes readings, resolved incidents, and recovery records
// older than the cutoff. Open incidents are kept regardless of age.
func (d *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ns := cutoff.UnixNano()
	var total int64
	stmts := []string{
		`DELETE FROM readings WHERE ts < ?`,
		`DELETE FROM incidents WHERE observed_at < ? AND resolved_at IS NOT NULL`,
		`DELETE FROM recoveries WHERE started_at < ?`,
	}
	for _, s := range stmts {
		res, err := d.db.ExecContext(ctx, s, ns)
		if err != nil {
			return total, fmt.Errorf("purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ProbeStats implements probe.StoreProber.
func (d *DB) ProbeStats(ctx context.Context) (probe.StoreMetrics, error) {
	var pageCount, pageSize int64
	if err := d.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return probe.StoreMetrics{}, fmt.Errorf("page_count: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return probe.StoreMetrics{}, fmt.Errorf("page_size: %w", err)
	}
	stats := d.db.Stats()
	return probe.StoreMetrics{
		ActiveConnections: stats.InUse,
		SizeBytes:         pageCount * pageSize,
	}, nil
}

// ─── Scan helpers ───────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(s scanner) (domain.Incident, error) {
	var inc domain.Incident
	var kind, evidence, actions string
	var severity int
	var observed int64
	var resolved sql.NullInt64
	if err := s.Scan(&inc.ID, &inc.Subject, &kind, &severity, &inc.Confidence,
		&observed, &evidence, &inc.AutoRecoverable, &actions,
		&inc.CooldownSeconds, &resolved); err != nil {
		return inc, fmt.Errorf("scan incident: %w", err)
	}
	inc.Kind = domain.IncidentKind(kind)
	inc.Severity = domain.Severity(severity)
	inc.ObservedAt = time.Unix(0, observed).UTC()
	if err := json.Unmarshal([]byte(evidence), &inc.Evidence); err != nil {
		return inc, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &inc.RecommendedActions); err != nil {
		return inc, fmt.Errorf("unmarshal actions: %w", err)
	}
	if resolved.Valid {
		inc.ResolvedAt = time.Unix(0, resolved.Int64).UTC()
	}
	return inc, nil
}

func nullableUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
