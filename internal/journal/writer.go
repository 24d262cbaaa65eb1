package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the tools.
const (
	TopicCreated = "topic.created"
	TopicUpdated = "topic.updated"
	TopicDryRun  = "topic.dry_run"
	TopicSkipped = "topic.skipped"
	TopicFailed  = "topic.failed"
	TopicBackup  = "topic.backed_up"
	RunAborted   = "run.aborted"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusAborted = "aborted"
	StatusFailed  = "failed"
)

// Recorder receives one event per topic handled by a procedure.
type Recorder interface {
	Record(ctx context.Context, evtType, topicID, topicSlug string, payload any) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, any) error { return nil }

// Writer appends events to a run it opened with Begin.
type Writer struct {
	DB    *sql.DB
	Now   func() time.Time
	RunID string
}

func (w *Writer) now() string {
	if w.Now == nil {
		w.Now = time.Now
	}
	return w.Now().UTC().Format(time.RFC3339)
}

// Begin registers a new run and returns its id.
func (w *Writer) Begin(ctx context.Context, command, env, site string, dryRun bool) (string, error) {
	id := uuid.NewString()
	_, err := w.DB.ExecContext(ctx, `INSERT INTO runs(id,command,env,site,dry_run,status,started_at) VALUES (?,?,?,?,?,?,?)`,
		id, command, env, site, dryRun, StatusRunning, w.now())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	w.RunID = id
	return id, nil
}

// Record appends an event to the current run.
func (w *Writer) Record(ctx context.Context, evtType, topicID, topicSlug string, payload any) error {
	if w.RunID == "" {
		return fmt.Errorf("record %s: no run started", evtType)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(run_id,ts,type,topic_id,topic_slug,payload_json) VALUES (?,?,?,?,?,?)`,
		w.RunID, w.now(), evtType, nullable(topicID), nullable(topicSlug), data)
	return err
}

// Finish closes the current run with status and an optional summary.
func (w *Writer) Finish(ctx context.Context, status string, summary any) error {
	if w.RunID == "" {
		return nil
	}
	data, err := marshalPayload(summary)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, summary_json=? WHERE id=?`,
		status, w.now(), data, w.RunID)
	return err
}

func marshalPayload(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
