package storage

import (
	"context"
	"database/sql"
	"encoding/json"
)

// RunRecord captures one sync or cleanup invocation.
type RunRecord struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Options     map[string]any `json:"options,omitempty"`
	Stats       map[string]any `json:"stats,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at"`
	CompletedAt *string        `json:"completed_at"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(ctx context.Context, rec RunRecord) error {
	if s == nil {
		return nil
	}
	optionsJSON, _ := json.Marshal(rec.Options)
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO sync_runs (id, kind, status, options_json, started_at) VALUES (?, ?, ?, ?, ?);`),
		rec.ID, rec.Kind, "running", string(optionsJSON), timestamp())
	return err
}

// RecordRunResult finalizes a run with status and stats.
func (s *Store) RecordRunResult(ctx context.Context, id, status string, stats map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	statsJSON, _ := json.Marshal(stats)
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE sync_runs SET status = ?, stats_json = ?, error_message = ?, completed_at = ? WHERE id = ?;`),
		status, string(statsJSON), errMsg, timestamp(), id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT id, kind, status, options_json, stats_json, error_message, started_at, completed_at
        FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []RunRecord{}
	for rows.Next() {
		var rec RunRecord
		var options, stats, errMsg, completed sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &options, &stats, &errMsg, &rec.StartedAt, &completed); err != nil {
			return nil, err
		}
		if options.Valid {
			_ = json.Unmarshal([]byte(options.String), &rec.Options)
		}
		if stats.Valid {
			_ = json.Unmarshal([]byte(stats.String), &rec.Stats)
		}
		rec.Error = errMsg.String
		if completed.Valid {
			v := completed.String
			rec.CompletedAt = &v
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
