package journal

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("not found")

type Run struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Env        string `json:"env"`
	Site       string `json:"site"`
	DryRun     bool   `json:"dry_run"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

type Event struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	TopicID   string `json:"topic_id,omitempty"`
	TopicSlug string `json:"topic_slug,omitempty"`
	Payload   string `json:"payload"`
}

type Reader struct {
	DB *sql.DB
}

// GetRun returns the run with id.
func (r Reader) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	var dryRun int
	err := r.DB.QueryRowContext(ctx, `SELECT id,command,env,site,dry_run,status,started_at,COALESCE(finished_at,''),COALESCE(summary_json,'') FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.Command, &run.Env, &run.Site, &dryRun, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	run.DryRun = dryRun != 0
	return run, err
}

// LastRun returns the most recently started run.
func (r Reader) LastRun(ctx context.Context) (Run, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	return r.GetRun(ctx, id)
}

// Tail returns the last limit events, oldest first. A non-empty runID
// restricts them to that run.
func (r Reader) Tail(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,run_id,ts,type,COALESCE(topic_id,''),COALESCE(topic_slug,''),payload_json FROM events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.TS, &e.Type, &e.TopicID, &e.TopicSlug, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
