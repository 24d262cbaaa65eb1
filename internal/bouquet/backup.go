package bouquet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"ecospheres/internal/domain"
	"ecospheres/internal/journal"
	"ecospheres/internal/rel"
)

// Lister lists the topics of a universe.
type Lister interface {
	Reader
	ListTopics(ctx context.Context, tag string, includePrivate bool) ([]domain.Topic, error)
}

// DefaultBackupDir is backup/<site>/<env>.
func DefaultBackupDir(site, env string) string {
	return filepath.Join("backup", site, env)
}

// Backup saves every topic of a universe and its elements as JSON files
// named after the topic id.
type Backup struct {
	Client      Lister
	UniverseTag string
	Dir         string
	Logger      *zap.Logger
	Journal     journal.Recorder
}

type BackupReport struct {
	Dir      string `json:"dir"`
	Topics   int    `json:"topics"`
	Elements int    `json:"elements"`
}

func (b *Backup) Run(ctx context.Context) (BackupReport, error) {
	log := b.Logger
	if log == nil {
		log = zap.NewNop()
	}
	report := BackupReport{Dir: b.Dir}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return report, err
	}
	topics, err := b.Client.ListTopics(ctx, b.UniverseTag, true)
	if err != nil {
		return report, err
	}
	log.Info("found bouquets", zap.Int("count", len(topics)), zap.String("universe", b.UniverseTag))

	for _, t := range topics {
		var raw json.RawMessage
		if err := b.Client.Get(ctx, "/api/2/topics/"+url.PathEscape(t.ID), nil, &raw); err != nil {
			return report, fmt.Errorf("fetch topic %s: %w", t.ID, err)
		}
		topicFile := filepath.Join(b.Dir, t.ID+".json")
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return report, fmt.Errorf("indent topic %s: %w", t.ID, err)
		}
		buf.WriteByte('\n')
		if err := os.WriteFile(topicFile, buf.Bytes(), 0o644); err != nil {
			return report, err
		}

		elements, err := rawElements(ctx, b.Client, raw)
		if err != nil {
			return report, fmt.Errorf("fetch elements of %s: %w", t.ID, err)
		}
		data, err := marshalIndent(elements)
		if err != nil {
			return report, err
		}
		elementsFile := filepath.Join(b.Dir, t.ID+"-elements.json")
		if err := os.WriteFile(elementsFile, data, 0o644); err != nil {
			return report, err
		}
		report.Topics++
		report.Elements += len(elements)
		log.Info("backed up",
			zap.String("name", t.Name),
			zap.Int("elements", len(elements)),
			zap.String("file", topicFile),
			zap.String("elements_file", elementsFile))
		if b.Journal != nil {
			if err := b.Journal.Record(ctx, journal.TopicBackup, t.ID, t.Slug, map[string]any{"file": topicFile, "elements": len(elements)}); err != nil {
				log.Warn("journal write failed", zap.Error(err))
			}
		}
	}
	log.Info("backup completed", zap.String("dir", b.Dir))
	return report, nil
}

// rawElements returns the undecoded elements of a topic document.
func rawElements(ctx context.Context, g rel.Getter, topic json.RawMessage) ([]json.RawMessage, error) {
	var doc struct {
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(topic, &doc); err != nil {
		return nil, err
	}
	out := []json.RawMessage{}
	trimmed := bytes.TrimSpace(doc.Elements)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return out, nil
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var r domain.Rel
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, err
	}
	items, err := rel.Drain[json.RawMessage](ctx, g, r)
	if err != nil {
		return nil, err
	}
	return append(out, items...), nil
}

// marshalIndent renders v with two-space indentation, without escaping
// HTML characters.
func marshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf.Bytes(), nil
}
