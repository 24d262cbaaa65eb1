package bouquet

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
	"ecospheres/internal/grist"
	"ecospheres/internal/journal"
)

// GristReader lists the records of a Grist table.
type GristReader interface {
	Records(ctx context.Context, table int) ([]grist.Record, error)
}

// FeedAPI is the subset of the platform client used by Feed.
type FeedAPI interface {
	FindDataset(ctx context.Context, idOrSlug string) (domain.Dataset, error)
	AttachDatasets(ctx context.Context, topicID string, datasetIDs []string) error
	ListTopics(ctx context.Context, tag string, includePrivate bool) ([]domain.Topic, error)
	CreateTopic(ctx context.Context, v datagouv.Version, payload any) (domain.Topic, error)
	UpdateTopic(ctx context.Context, v datagouv.Version, id string, payload any) (domain.Topic, error)
}

// FeedTables locates the Grist tables and columns read by Feed.
type FeedTables struct {
	Datasets              int
	DatasetURLField       string
	DatasetTopicField     string
	External              int
	Topics                int
	TopicNameField        string
	TopicDescriptionField string
}

func DefaultFeedTables() FeedTables {
	return FeedTables{
		Datasets:              1,
		DatasetURLField:       "URL",
		DatasetTopicField:     "Bouquets",
		External:              2,
		Topics:                4,
		TopicNameField:        "Nom_du_bouquet",
		TopicDescriptionField: "Description",
	}
}

// Feed fills a universe from a Grist document: the platform datasets it
// lists are attached to the universe topic, and one bouquet is created or
// updated per published Grist topic. Bouquets are matched on
// extras.<ExtrasKey>.internal_topic_id.
type Feed struct {
	Grist           GristReader
	Client          FeedAPI
	Tables          FeedTables
	UniverseTopicID string
	UniverseTag     string
	ExtrasKey       string
	// Organization owns created and updated bouquets when set.
	Organization string
	DryRun       bool
	Out          io.Writer
	Logger       *zap.Logger
	Journal      journal.Recorder
}

type FeedReport struct {
	Attached        int      `json:"attached"`
	Created         int      `json:"created"`
	Updated         int      `json:"updated"`
	MissingDatasets []string `json:"missing_datasets,omitempty"`
	DryRun          bool     `json:"dry_run"`
}

type feedTopic struct {
	key         string
	gristID     int64
	name        string
	description string
	elements    []domain.Element
}

func (f *Feed) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *Feed) Run(ctx context.Context) (FeedReport, error) {
	log := f.logger().With(zap.String("universe", f.UniverseTag))
	report := FeedReport{DryRun: f.DryRun}

	topics, err := f.topics(ctx)
	if err != nil {
		return report, err
	}
	byRow := make(map[int64]*feedTopic, len(topics))
	for _, t := range topics {
		byRow[t.gristID] = t
	}

	external, err := f.Grist.Records(ctx, f.Tables.External)
	if err != nil {
		return report, err
	}
	for _, rec := range external {
		name := rec.Text("Nom_du_dataset")
		for _, ref := range rec.Refs("Bouquet") {
			if t := byRow[ref]; t != nil {
				t.elements = append(t.elements, f.element(name, fmt.Sprintf("Source externe pour '%s'", name), domain.URLAvailable, rec.Text("URL"), ""))
			}
		}
	}

	datasetIDs, missing, err := f.datasets(ctx, log, byRow)
	if err != nil {
		return report, err
	}
	report.MissingDatasets = missing

	if len(datasetIDs) == 0 {
		log.Info("no datasets to add")
	} else {
		if err := f.attach(ctx, log, datasetIDs); err != nil {
			return report, err
		}
		report.Attached = len(datasetIDs)
	}

	existing, err := f.Client.ListTopics(ctx, f.UniverseTag, true)
	if err != nil {
		return report, fmt.Errorf("list universe topics: %w", err)
	}
	for _, t := range topics {
		created, err := f.write(ctx, log, t, f.match(existing, t.key))
		if err != nil {
			return report, err
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}
	return report, nil
}

func (f *Feed) topics(ctx context.Context) ([]*feedTopic, error) {
	records, err := f.Grist.Records(ctx, f.Tables.Topics)
	if err != nil {
		return nil, err
	}
	var out []*feedTopic
	for _, rec := range records {
		if publish, ok := rec.Fields["Bouquet_a_publier"].(bool); ok && !publish {
			continue
		}
		out = append(out, &feedTopic{
			key:         text(rec.Fields["Identifiant"]),
			gristID:     rec.ID,
			name:        rec.Text(f.Tables.TopicNameField),
			description: rec.Text(f.Tables.TopicDescriptionField),
		})
	}
	return out, nil
}

// datasets resolves the platform datasets listed in Grist, in first seen
// order, and appends them to the topics referencing them.
func (f *Feed) datasets(ctx context.Context, log *zap.Logger, byRow map[int64]*feedTopic) ([]string, []string, error) {
	records, err := f.Grist.Records(ctx, f.Tables.Datasets)
	if err != nil {
		return nil, nil, err
	}
	var ids, missing []string
	seen := map[string]bool{}
	for _, rec := range records {
		raw := rec.Text(f.Tables.DatasetURLField)
		if raw == "" {
			continue
		}
		ref, ok := DatasetRef(raw)
		if !ok {
			log.Info("skipping dataset url outside data.gouv.fr", zap.String("url", raw))
			continue
		}
		d, err := f.Client.FindDataset(ctx, ref)
		if datagouv.IsNotFound(err) {
			log.Warn("dataset not found", zap.String("dataset", ref))
			missing = append(missing, ref)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("find dataset %s: %w", ref, err)
		}
		if !seen[d.ID] {
			seen[d.ID] = true
			ids = append(ids, d.ID)
		}
		for _, row := range rec.Refs(f.Tables.DatasetTopicField) {
			if t := byRow[row]; t != nil {
				purpose := fmt.Sprintf("Jeu de données '%s' sur data.gouv.fr.", d.Title)
				t.elements = append(t.elements, f.element(d.Title, purpose, domain.Available, "/datasets/"+d.ID, d.ID))
			}
		}
	}
	return ids, missing, nil
}

// DatasetRef extracts the dataset slug or id from a data.gouv.fr dataset
// page URL.
func DatasetRef(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(u.Host, "data.gouv.fr") {
		return "", false
	}
	parts := strings.Split(u.Path, "/")
	for i := len(parts) - 1; i >= 0 && i >= len(parts)-2; i-- {
		if parts[i] != "" {
			return parts[i], true
		}
	}
	return "", false
}

func (f *Feed) element(title, purpose, availability, uri, datasetID string) domain.Element {
	e := domain.Element{
		Title:       title,
		Description: purpose,
		Tags:        []string{},
		Extras: map[string]any{
			f.ExtrasKey: map[string]any{"availability": availability, "uri": uri},
		},
	}
	if datasetID != "" {
		e.Element = &domain.ElementRef{Class: "Dataset", ID: datasetID}
	}
	return e
}

func (f *Feed) attach(ctx context.Context, log *zap.Logger, ids []string) error {
	payload := map[string]any{"datasets": ids}
	if f.DryRun {
		f.record(ctx, log, journal.TopicDryRun, f.UniverseTopicID, "", payload)
		return f.print(map[string]any{"attach": ids, "topic": f.UniverseTopicID})
	}
	if err := f.Client.AttachDatasets(ctx, f.UniverseTopicID, ids); err != nil {
		return fmt.Errorf("attach datasets to universe topic %s: %w", f.UniverseTopicID, err)
	}
	log.Info("datasets added to universe topic", zap.Int("count", len(ids)), zap.String("topic", f.UniverseTopicID))
	f.record(ctx, log, journal.TopicUpdated, f.UniverseTopicID, "", payload)
	return nil
}

func (f *Feed) match(existing []domain.Topic, key string) *domain.Topic {
	for i, t := range existing {
		ns, _ := t.Extras[f.ExtrasKey].(map[string]any)
		if ns != nil && text(ns["internal_topic_id"]) == key {
			return &existing[i]
		}
	}
	return nil
}

// payload builds a new body for every write. Updates keep the bouquet's tags
// and other extras; creations are tagged with the universe.
func (f *Feed) payload(t *feedTopic, current *domain.Topic) domain.TopicPayload {
	p := domain.TopicPayload{
		Name:        t.name,
		Description: t.description,
		Tags:        []string{f.UniverseTag},
		Extras:      map[string]any{},
		Elements:    append(make([]domain.Element, 0, len(t.elements)), t.elements...),
	}
	if current != nil {
		p.Tags = append([]string{}, current.Tags...)
		p.Extras = domain.CloneMap(current.Extras)
		p.Private = current.Private
	}
	ns, _ := p.Extras[f.ExtrasKey].(map[string]any)
	if ns == nil {
		ns = map[string]any{}
	}
	ns["internal_topic_id"] = t.key
	p.Extras[f.ExtrasKey] = ns
	if f.Organization != "" {
		p.Organization = &domain.Ref{ID: f.Organization}
	}
	return p
}

func (f *Feed) write(ctx context.Context, log *zap.Logger, t *feedTopic, current *domain.Topic) (bool, error) {
	log = log.With(zap.String("grist_topic", t.key))
	p := f.payload(t, current)
	if f.DryRun {
		id := ""
		if current != nil {
			id = current.ID
		}
		f.record(ctx, log, journal.TopicDryRun, id, "", p)
		return current == nil, f.print(p)
	}
	if current != nil {
		written, err := f.Client.UpdateTopic(ctx, datagouv.V2, current.ID, p)
		if err != nil {
			return false, fmt.Errorf("update bouquet %s: %w", t.key, err)
		}
		log.Info("bouquet updated", zap.String("slug", written.Slug), zap.Int("elements", len(p.Elements)))
		f.record(ctx, log, journal.TopicUpdated, written.ID, written.Slug, p)
		return false, nil
	}
	written, err := f.Client.CreateTopic(ctx, datagouv.V2, p)
	if err != nil {
		return false, fmt.Errorf("create bouquet %s: %w", t.key, err)
	}
	log.Info("bouquet created", zap.String("slug", written.Slug), zap.Int("elements", len(p.Elements)))
	f.record(ctx, log, journal.TopicCreated, written.ID, written.Slug, p)
	return true, nil
}

func (f *Feed) print(v any) error {
	if f.Out == nil {
		return nil
	}
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	_, err = f.Out.Write(data)
	return err
}

func (f *Feed) record(ctx context.Context, log *zap.Logger, evt, id, slug string, payload any) {
	if f.Journal == nil {
		return
	}
	if err := f.Journal.Record(ctx, evt, id, slug, payload); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}
