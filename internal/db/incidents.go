package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/campus.safety/internal/incident"
)

// IncidentRecord is a closed incident as stored in the history.
type IncidentRecord struct {
	incident.Incident
	SessionID  string    `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// IncidentQuery filters the history. Zero fields do not filter.
type IncidentQuery struct {
	// Search matches a substring of the category or the incident ID.
	Search string
	// From and To bound FirstSeen, inclusive.
	From, To time.Time
	Limit    int
}

// IncidentStats summarises the stored incidents.
type IncidentStats struct {
	Count      int            `json:"count"`
	MeanPeak   float64        `json:"mean_peak"`
	MaxPeak    float64        `json:"max_peak"`
	MinPeak    float64        `json:"min_peak"`
	ByCategory map[string]int `json:"by_category"`
	First      time.Time      `json:"first,omitempty"`
	Last       time.Time      `json:"last,omitempty"`
}

func unixNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}

// InsertIncidents stores incidents for a session. Re-inserting an ID
// replaces the earlier row.
func (db *DB) InsertIncidents(ctx context.Context, sessionID string, incidents []incident.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO incidents (
			id, session_id, category, first_seen_ns, last_seen_ns, closed_at_ns,
			peak_confidence, observation_ids, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, inc := range incidents {
		ids := inc.ObservationIDs
		if ids == nil {
			ids = []uint64{}
		}
		idsJSON, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to encode observation ids: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			inc.ID,
			sessionID,
			inc.Category,
			inc.FirstSeen.UnixNano(),
			inc.LastSeen.UnixNano(),
			unixNanos(inc.ClosedAt),
			inc.PeakConfidence,
			string(idsJSON),
			string(inc.State),
		); err != nil {
			return fmt.Errorf("failed to insert incident %s: %w", inc.ID, err)
		}
	}
	return tx.Commit()
}

const incidentColumns = `
	id, session_id, category, first_seen_ns, last_seen_ns, closed_at_ns,
	peak_confidence, observation_ids, state, recorded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (IncidentRecord, error) {
	var (
		rec                 IncidentRecord
		firstSeen, lastSeen int64
		closedAt            sql.NullInt64
		idsJSON, state      string
		recordedAt          int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Category,
		&firstSeen,
		&lastSeen,
		&closedAt,
		&rec.PeakConfidence,
		&idsJSON,
		&state,
		&recordedAt,
	); err != nil {
		return IncidentRecord{}, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &rec.ObservationIDs); err != nil {
		return IncidentRecord{}, fmt.Errorf("incident %s: bad observation ids: %w", rec.ID, err)
	}
	rec.FirstSeen = time.Unix(0, firstSeen)
	rec.LastSeen = time.Unix(0, lastSeen)
	rec.ClosedAt = fromNanos(closedAt)
	rec.State = incident.State(state)
	rec.RecordedAt = time.Unix(recordedAt, 0)
	return rec, nil
}

// escapeLike escapes the LIKE wildcards in s for use with ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Incidents returns matching incidents, newest first.
func (db *DB) Incidents(ctx context.Context, q IncidentQuery) ([]IncidentRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.Search != "" {
		pattern := "%" + escapeLike(q.Search) + "%"
		where = append(where, `(category LIKE ? ESCAPE '\' OR id LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if !q.From.IsZero() {
		where = append(where, "first_seen_ns >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "first_seen_ns <= ?")
		args = append(args, q.To.UnixNano())
	}

	query := "SELECT" + incidentColumns + " FROM incidents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_seen_ns DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetIncident returns one incident by ID.
func (db *DB) GetIncident(ctx context.Context, id string) (IncidentRecord, error) {
	row := db.QueryRowContext(ctx, "SELECT"+incidentColumns+" FROM incidents WHERE id = ?", id)
	rec, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IncidentRecord{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return IncidentRecord{}, fmt.Errorf("failed to get incident: %w", err)
	}
	return rec, nil
}

// IncidentStats returns count and peak confidence statistics over the
// whole history.
func (db *DB) IncidentStats(ctx context.Context) (IncidentStats, error) {
	stats := IncidentStats{ByCategory: make(map[string]int)}
	var (
		mean, maxPeak, minPeak sql.NullFloat64
		first, last            sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(peak_confidence), MAX(peak_confidence), MIN(peak_confidence),
		       MIN(first_seen_ns), MAX(last_seen_ns)
		FROM incidents
	`).Scan(&stats.Count, &mean, &maxPeak, &minPeak, &first, &last)
	if err != nil {
		return IncidentStats{}, fmt.Errorf("failed to compute incident stats: %w", err)
	}
	stats.MeanPeak = mean.Float64
	stats.MaxPeak = maxPeak.Float64
	stats.MinPeak = minPeak.Float64
	stats.First = fromNanos(first)
	stats.Last = fromNanos(last)

	rows, err := db.QueryContext(ctx, "SELECT category, COUNT(*) FROM incidents GROUP BY category")
	if err != nil {
		return IncidentStats{}, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return IncidentStats{}, err
		}
		stats.ByCategory[cat] = n
	}
	return stats, rows.Err()
}

// DeleteIncident removes one incident.
func (db *DB) DeleteIncident(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM incidents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearIncidents removes every incident and returns how many there were.
func (db *DB) ClearIncidents(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM incidents")
	if err != nil {
		return 0, fmt.Errorf("failed to clear incidents: %w", err)
	}
	return res.RowsAffected()
}

// PruneIncidents keeps the newest keep incidents and deletes the rest.
func (db *DB) PruneIncidents(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive, got %d", keep)
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM incidents WHERE id NOT IN (
			SELECT id FROM incidents ORDER BY first_seen_ns DESC, id LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune incidents: %w", err)
	}
	return res.RowsAffected()
}
