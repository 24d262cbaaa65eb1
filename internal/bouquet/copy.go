// Package bouquet copies, backs up and exports topics.
package bouquet

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
	"ecospheres/internal/journal"
	"ecospheres/internal/rel"
)

// ErrCopyAborted is returned when replacing an existing topic is declined.
var ErrCopyAborted = errors.New("copy aborted")

// Reader reads topics and their element relations.
type Reader interface {
	rel.Getter
	GetTopic(ctx context.Context, idOrSlug string) (domain.Topic, error)
}

// Destination is the environment receiving a copy.
type Destination interface {
	GetTopic(ctx context.Context, idOrSlug string) (domain.Topic, error)
	UserExists(ctx context.Context, id string) (bool, error)
	OrganizationExists(ctx context.Context, id string) (bool, error)
	DatasetExists(ctx context.Context, id string) (bool, error)
	CreateTopic(ctx context.Context, v datagouv.Version, payload any) (domain.Topic, error)
	UpdateTopic(ctx context.Context, v datagouv.Version, id string, payload any) (domain.Topic, error)
}

// Copier duplicates a topic from one environment to another.
type Copier struct {
	Source        Reader
	SourceBaseURL string
	Destination   Destination
	// DestinationTag is the universe tag prepended to the copied tags.
	DestinationTag string
	// Site is the extras namespace rewritten for missing datasets.
	Site string
	// Confirm is asked before replacing an existing topic. A nil Confirm
	// declines.
	Confirm func(slug string) (bool, error)
	DryRun  bool
	Out     io.Writer
	Logger  *zap.Logger
	Journal journal.Recorder
}

// CopyResult describes the write issued for a copy.
type CopyResult struct {
	Slug       string
	ID         string
	Created    bool
	Payload    domain.TopicPayload
	Downgraded []string
}

func (c *Copier) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Copy copies the topic slug. Any probe failing with something else than
// a 404 aborts the copy before anything is written.
func (c *Copier) Copy(ctx context.Context, slug string) (CopyResult, error) {
	log := c.logger().With(zap.String("slug", slug))
	var res CopyResult

	src, err := c.Source.GetTopic(ctx, slug)
	if err != nil {
		return res, fmt.Errorf("fetch source topic %s: %w", slug, err)
	}

	existingID := ""
	existing, err := c.Destination.GetTopic(ctx, slug)
	switch {
	case err == nil:
		ok := false
		if c.Confirm != nil {
			if ok, err = c.Confirm(slug); err != nil {
				return res, err
			}
		}
		if !ok {
			return res, fmt.Errorf("%w: %s already exists on destination", ErrCopyAborted, slug)
		}
		existingID = existing.ID
	case datagouv.IsNotFound(err):
	default:
		return res, fmt.Errorf("probe destination topic %s: %w", slug, err)
	}

	payload := domain.TopicPayload{
		Name:        src.Name,
		Description: src.Description,
		Spatial:     src.Spatial,
		Private:     src.Private,
		Tags:        append([]string{c.DestinationTag}, src.Tags...),
	}
	if err := c.resolveIdentity(ctx, log, src, &payload); err != nil {
		return res, err
	}

	elements, err := rel.Elements(ctx, c.Source, src.Elements)
	if err != nil {
		return res, fmt.Errorf("fetch source elements: %w", err)
	}
	payload.Elements = make([]domain.Element, 0, len(elements))
	for _, e := range elements {
		id := e.DatasetID()
		if id == "" {
			payload.Elements = append(payload.Elements, e)
			continue
		}
		exists, err := c.Destination.DatasetExists(ctx, id)
		if err != nil {
			return res, fmt.Errorf("probe dataset %s: %w", id, err)
		}
		if !exists {
			log.Warn("dataset missing on destination, transforming to URL", zap.String("dataset", id))
			if e, err = DowngradeElement(e, c.Site, c.SourceBaseURL); err != nil {
				return res, fmt.Errorf("rewrite element for dataset %s: %w", id, err)
			}
			res.Downgraded = append(res.Downgraded, id)
		}
		payload.Elements = append(payload.Elements, e)
	}
	res.Payload = payload

	if c.DryRun {
		log.Info("dry run, not writing", zap.Bool("replace", existingID != ""))
		if c.Out != nil {
			data, err := marshalIndent(payload)
			if err != nil {
				return res, err
			}
			if _, err := c.Out.Write(data); err != nil {
				return res, err
			}
		}
		c.record(ctx, log, journal.TopicDryRun, existingID, slug, payload)
		res.Slug, res.ID, res.Created = slug, existingID, existingID == ""
		return res, nil
	}

	var written domain.Topic
	if existingID != "" {
		written, err = c.Destination.UpdateTopic(ctx, datagouv.V2, existingID, payload)
	} else {
		written, err = c.Destination.CreateTopic(ctx, datagouv.V2, payload)
		res.Created = true
	}
	if err != nil {
		c.record(ctx, log, journal.TopicFailed, existingID, slug, map[string]any{"error": err.Error()})
		return res, fmt.Errorf("write topic %s: %w", slug, err)
	}
	res.Slug, res.ID = written.Slug, written.ID
	evt := journal.TopicUpdated
	if res.Created {
		evt = journal.TopicCreated
	}
	c.record(ctx, log, evt, written.ID, written.Slug, payload)
	log.Info("bouquet copied", zap.String("at", written.Slug), zap.Bool("created", res.Created))
	return res, nil
}

func (c *Copier) resolveIdentity(ctx context.Context, log *zap.Logger, src domain.Topic, payload *domain.TopicPayload) error {
	switch {
	case src.Owner != nil:
		ok, err := c.Destination.UserExists(ctx, src.Owner.ID)
		if err != nil {
			return fmt.Errorf("probe owner %s: %w", src.Owner.ID, err)
		}
		if !ok {
			log.Warn("owner does not exist on destination, dropped", zap.String("owner", src.Owner.ID))
			return nil
		}
		owner := *src.Owner
		payload.Owner = &owner
	case src.Organization != nil:
		ok, err := c.Destination.OrganizationExists(ctx, src.Organization.ID)
		if err != nil {
			return fmt.Errorf("probe organization %s: %w", src.Organization.ID, err)
		}
		if !ok {
			log.Warn("organization does not exist on destination, dropped", zap.String("organization", src.Organization.ID))
			return nil
		}
		org := *src.Organization
		payload.Organization = &org
	}
	return nil
}

func (c *Copier) record(ctx context.Context, log *zap.Logger, evt, id, slug string, payload any) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.Record(ctx, evt, id, slug, payload); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}

// DowngradeElement replaces a dataset reference with a link to the dataset
// page on the source environment. The site's group is preserved and the
// other namespaces and keys are kept.
func DowngradeElement(e domain.Element, site, sourceBaseURL string) (domain.Element, error) {
	id := e.DatasetID()
	return e.Edit(func(obj map[string]any) {
		extras, _ := obj["extras"].(map[string]any)
		if extras == nil {
			extras = map[string]any{}
		}
		downgraded := map[string]any{
			"availability": domain.URLAvailable,
			"uri":          fmt.Sprintf("%s/datasets/%s/", sourceBaseURL, id),
		}
		if old, ok := extras[site].(map[string]any); ok {
			if group, ok := old["group"]; ok {
				downgraded["group"] = group
			}
		}
		extras[site] = downgraded
		obj["extras"] = extras
		delete(obj, "element")
	})
}
