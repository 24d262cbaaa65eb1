// Package app wires a resolved environment, an API client and the run
// journal for one command invocation.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ecospheres/internal/bouquet"
	"ecospheres/internal/config"
	"ecospheres/internal/datagouv"
	"ecospheres/internal/journal"
	"ecospheres/internal/migration"
)

type Options struct {
	Site string
	Env  string
	Page string
	// APIKey is required when Write is set.
	APIKey string
	Write  bool
	// Journal enables the run journal stored in JournalDir.
	Journal    bool
	JournalDir string
	Command    string
	DryRun     bool
	Logger     *zap.Logger
	Config     config.Options
}

// Session is the state shared by a command's procedures.
type Session struct {
	Env     config.Environment
	Client  *datagouv.Client
	Journal journal.Recorder
	RunID   string
	Logger  *zap.Logger

	writer *journal.Writer
	db     *sql.DB
}

// NewClient builds a client for env. A write client without an API key is
// a configuration error raised before any request.
func NewClient(env config.Environment, apiKey string, write bool, logger *zap.Logger) (*datagouv.Client, error) {
	if write && apiKey == "" {
		return nil, config.ErrMissingAPIKey
	}
	opts := []datagouv.Option{datagouv.WithLogger(logger)}
	if apiKey != "" {
		opts = append(opts, datagouv.WithAPIKey(apiKey))
	}
	return datagouv.New(env.BaseURL, opts...), nil
}

// Open resolves the environment, checks credentials, then opens the journal
// and starts a run.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := config.Load(ctx, opts.Site, opts.Env, opts.Page, opts.Config)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(env, opts.APIKey, opts.Write, logger)
	if err != nil {
		return nil, err
	}
	s := &Session{Env: env, Client: client, Journal: journal.Nop{}, Logger: logger}
	if !opts.Journal {
		return s, nil
	}
	conn, err := journal.Open(ctx, opts.JournalDir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	w := &journal.Writer{DB: conn}
	runID, err := w.Begin(ctx, opts.Command, env.Name, env.Site, opts.DryRun)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("journal run started", zap.String("run_id", runID), zap.String("path", journal.Path(opts.JournalDir)))
	s.Journal, s.writer, s.db, s.RunID = w, w, conn, runID
	return s, nil
}

// Close records the outcome of the run and releases the journal.
func (s *Session) Close(ctx context.Context, runErr error, summary any) error {
	if s.db == nil {
		return nil
	}
	defer s.db.Close()
	return s.writer.Finish(ctx, Status(runErr), summary)
}

// Status maps the outcome of a procedure to a journal run status. Declined
// copies and precondition failures abort the run.
func Status(err error) string {
	var pre *migration.PreconditionError
	switch {
	case err == nil:
		return journal.StatusDone
	case errors.Is(err, bouquet.ErrCopyAborted), errors.As(err, &pre):
		return journal.StatusAborted
	default:
		return journal.StatusFailed
	}
}
