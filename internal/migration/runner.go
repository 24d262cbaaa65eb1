// Package migration applies a Policy to every topic of a universe, one
// topic at a time, with an optional dry-run.
package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
	"ecospheres/internal/journal"
	"ecospheres/internal/rel"
	"ecospheres/internal/schema"
)

// API is the subset of the platform client used by the runner.
type API interface {
	rel.Getter
	TopicGetter
	ListTopics(ctx context.Context, tag string, includePrivate bool) ([]domain.Topic, error)
	UpdateTopic(ctx context.Context, v datagouv.Version, id string, payload any) (domain.Topic, error)
}

// Runner drives a policy over the topics tagged with UniverseTag.
type Runner struct {
	Client      API
	UniverseTag string
	// Slug restricts the run to a single topic.
	Slug    string
	DryRun  bool
	Out     io.Writer
	Logger  *zap.Logger
	Journal journal.Recorder
	// Validator checks emitted element lists. Defaults to schema.Default.
	Validator *schema.Validator
}

// Report counts what happened to each topic.
type Report struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	DryRun  int `json:"dry_run"`
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) journal() journal.Recorder {
	if r.Journal == nil {
		return journal.Nop{}
	}
	return r.Journal
}

func (r *Runner) topics(ctx context.Context, p Policy) ([]domain.Topic, error) {
	var (
		topics []domain.Topic
		err    error
	)
	if s, ok := p.(Selector); ok {
		topics, err = s.Select(ctx, r.Client, r.UniverseTag)
	} else {
		topics, err = r.Client.ListTopics(ctx, r.UniverseTag, true)
	}
	if err != nil {
		return nil, err
	}
	if r.Slug == "" {
		return topics, nil
	}
	var out []domain.Topic
	for _, t := range topics {
		if t.Slug == r.Slug {
			out = append(out, t)
		}
	}
	return out, nil
}

// Run applies p to every selected topic. Write failures are counted and
// the batch goes on; a missing precondition under ModeAbort stops it and
// the report so far is returned with the error.
func (r *Runner) Run(ctx context.Context, p Policy) (Report, error) {
	log := r.logger().With(zap.String("policy", p.Name()))
	var report Report
	topics, err := r.topics(ctx, p)
	if err != nil {
		return report, err
	}
	report.Total = len(topics)
	log.Info("topics selected", zap.Int("count", len(topics)), zap.String("universe", r.UniverseTag), zap.Bool("dry_run", r.DryRun))

	for _, t := range topics {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tlog := log.With(zap.String("slug", t.Slug), zap.String("id", t.ID))
		tlog.Info("handling topic")
		in := Input{
			Topic:       t,
			UniverseTag: r.UniverseTag,
			elements: func(ctx context.Context) ([]domain.Element, error) {
				return rel.Elements(ctx, r.Client, t.Elements)
			},
		}
		patch, err := p.Transform(ctx, in)
		if err == nil && patch.Elements != nil {
			err = r.validate(patch.Elements)
		}
		var (
			skip *SkipError
			pre  *PreconditionError
		)
		switch {
		case errors.As(err, &pre):
			if p.OnMissingPrecondition() == ModeAbort {
				tlog.Error("precondition missing, aborting", zap.Error(err))
				r.record(ctx, tlog, journal.RunAborted, t, map[string]any{"error": err.Error()})
				return report, err
			}
			tlog.Warn("precondition missing, skipping", zap.Error(err))
			report.Skipped++
			r.record(ctx, tlog, journal.TopicSkipped, t, map[string]any{"reason": err.Error()})
			continue
		case errors.As(err, &skip):
			tlog.Info("skipping", zap.String("reason", skip.Reason))
			report.Skipped++
			r.record(ctx, tlog, journal.TopicSkipped, t, map[string]any{"reason": skip.Reason})
			continue
		case err != nil:
			tlog.Error("transform failed", zap.Error(err))
			report.Failed++
			r.record(ctx, tlog, journal.TopicFailed, t, map[string]any{"error": err.Error()})
			continue
		}

		if r.DryRun {
			tlog.Info("would have updated with")
			if err := r.print(patch); err != nil {
				return report, err
			}
			report.DryRun++
			r.record(ctx, tlog, journal.TopicDryRun, t, patch)
			continue
		}
		if _, err := r.Client.UpdateTopic(ctx, p.APIVersion(), t.ID, patch); err != nil {
			tlog.Error("update failed", zap.Error(err))
			report.Failed++
			r.record(ctx, tlog, journal.TopicFailed, t, map[string]any{"error": err.Error(), "payload": patch})
			continue
		}
		tlog.Info("updated")
		report.Updated++
		r.record(ctx, tlog, journal.TopicUpdated, t, patch)
	}
	log.Info("run completed",
		zap.Int("total", report.Total),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("dry_run", report.DryRun))
	return report, nil
}

func (r *Runner) validate(elements []domain.Element) error {
	v := r.Validator
	if v == nil {
		var err error
		if v, err = schema.Default(); err != nil {
			return err
		}
	}
	if err := v.ValidateElements(elements); err != nil {
		return fmt.Errorf("invalid elements: %w", err)
	}
	return CheckElements(elements)
}

// print writes the payload exactly as it would be sent.
func (r *Runner) print(patch domain.TopicPatch) error {
	if r.Out == nil {
		return nil
	}
	data, err := MarshalPayload(patch)
	if err != nil {
		return err
	}
	_, err = r.Out.Write(data)
	return err
}

func (r *Runner) record(ctx context.Context, log *zap.Logger, evtType string, t domain.Topic, payload any) {
	if err := r.journal().Record(ctx, evtType, t.ID, t.Slug, payload); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}

// MarshalPayload renders v as indented JSON without HTML escaping, followed
// by a newline.
func MarshalPayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return buf.Bytes(), nil
}
