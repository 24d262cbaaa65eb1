package bouquet

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"ecospheres/internal/domain"
	"ecospheres/internal/rel"
)

// ExportEnvs are the platform hosts an export can read from.
var ExportEnvs = []string{"www", "demo"}

var (
	bouquetHeader = []string{
		"bouquet_id", "bouquet_name", "bouquet_description", "bouquet_author_name",
		"bouquet_author_page", "bouquet_last_modified", "bouquet_spatial_coverage",
	}
	factorHeader = []string{
		"bouquet_id", "factor_id", "factor_index", "factor_group", "factor_availability",
		"factor_title", "factor_purpose", "dataset_url", "dataset_id", "dataset_title",
		"dataset_author_name", "dataset_author_page", "dataset_last_modified",
		"dataset_license", "dataset_schema", "dataset_quality_score",
	}
	resourceHeader = []string{
		"dataset_id", "resource_id", "resource_available", "resource_title",
		"resource_type", "resource_format", "resource_schema",
	}
)

// ExportBaseURL returns the base URL of an export env.
func ExportBaseURL(env string) (string, error) {
	if !slices.Contains(ExportEnvs, env) {
		return "", fmt.Errorf("invalid export env %q, expected one of %v", env, ExportEnvs)
	}
	return fmt.Sprintf("https://%s.data.gouv.fr", env), nil
}

// DatasetReader reads topics and dataset records.
type DatasetReader interface {
	Reader
	GetDataset(ctx context.Context, id string) (domain.Dataset, error)
}

// Exporter writes a topic as three CSV files: the bouquet, its factors and
// the resources of the factors' datasets.
type Exporter struct {
	Client DatasetReader
	// Site is the extras namespace of the factors.
	Site string
	// Dir is the parent of the export directory. Defaults to ".".
	Dir    string
	Logger *zap.Logger
}

type ExportReport struct {
	Dir       string `json:"dir"`
	Factors   int    `json:"factors"`
	Resources int    `json:"resources"`
}

// Export writes bouquet--<idOrSlug>/. The directory must not exist.
func (x *Exporter) Export(ctx context.Context, idOrSlug string) (ExportReport, error) {
	log := x.Logger
	if log == nil {
		log = zap.NewNop()
	}
	site := x.Site
	if site == "" {
		site = "ecospheres"
	}
	parent := x.Dir
	if parent == "" {
		parent = "."
	}
	report := ExportReport{Dir: filepath.Join(parent, "bouquet--"+idOrSlug)}

	topic, err := x.Client.GetTopic(ctx, idOrSlug)
	if err != nil {
		return report, fmt.Errorf("fetch topic %s: %w", idOrSlug, err)
	}
	if err := os.Mkdir(report.Dir, 0o755); err != nil {
		return report, err
	}
	bouquets, err := newCSV(report.Dir, "bouquet.csv", bouquetHeader)
	if err != nil {
		return report, err
	}
	defer bouquets.close()
	factors, err := newCSV(report.Dir, "factors.csv", factorHeader)
	if err != nil {
		return report, err
	}
	defer factors.close()
	resources, err := newCSV(report.Dir, "resources.csv", resourceHeader)
	if err != nil {
		return report, err
	}
	defer resources.close()

	author := topic.Author()
	if err := bouquets.write([]string{
		topic.ID, topic.Name, topic.Description, author.DisplayName(), refPage(author),
		topic.LastModified, spatialCoverage(topic.Spatial),
	}); err != nil {
		return report, err
	}

	index := 0
	for e, err := range rel.EachElement(ctx, x.Client, topic.Elements) {
		if err != nil {
			return report, fmt.Errorf("fetch elements: %w", err)
		}
		index++
		row, res, err := x.factor(ctx, topic.ID, index, site, e)
		if err != nil {
			return report, err
		}
		for _, r := range res {
			if err := resources.write(r); err != nil {
				return report, err
			}
			report.Resources++
		}
		if err := factors.write(row); err != nil {
			return report, err
		}
		report.Factors++
	}
	for _, w := range []*csvFile{bouquets, factors, resources} {
		if err := w.flush(); err != nil {
			return report, err
		}
	}
	log.Info("bouquet exported", zap.String("dir", report.Dir), zap.Int("factors", report.Factors), zap.Int("resources", report.Resources))
	return report, nil
}

func (x *Exporter) factor(ctx context.Context, topicID string, index int, site string, e domain.Element) ([]string, [][]string, error) {
	extras := e.SiteExtras(site)
	availability, _ := extras["availability"].(string)
	row := map[string]string{
		"bouquet_id":          topicID,
		"factor_id":           e.ID,
		"factor_index":        strconv.Itoa(index),
		"factor_group":        text(extras["group"]),
		"factor_availability": availability,
		"factor_title":        e.Title,
		"factor_purpose":      e.Description,
	}
	var resources [][]string
	switch availability {
	case domain.URLAvailable:
		row["dataset_url"] = text(extras["uri"])
	case domain.Available:
		id := e.DatasetID()
		d, err := x.Client.GetDataset(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch dataset %s: %w", id, err)
		}
		author := d.Author()
		row["dataset_id"] = id
		row["dataset_url"] = d.Page
		row["dataset_title"] = d.Title
		row["dataset_author_name"] = author.DisplayName()
		row["dataset_author_page"] = refPage(author)
		row["dataset_last_modified"] = d.LastModified
		row["dataset_license"] = d.License
		row["dataset_schema"] = d.Schema.Label()
		if d.Quality != nil && d.Quality.Score != nil && *d.Quality.Score != 0 {
			row["dataset_quality_score"] = strconv.FormatFloat(*d.Quality.Score, 'f', -1, 64)
		}
		for _, r := range d.Resources {
			resources = append(resources, []string{
				id, r.ID, checkAvailable(r.Extras), r.Title, r.Type, r.Format, r.Schema.Label(),
			})
		}
	}
	out := make([]string, len(factorHeader))
	for i, col := range factorHeader {
		out[i] = row[col]
	}
	return out, resources, nil
}

func refPage(r *domain.Ref) string {
	if r == nil {
		return ""
	}
	return r.Page
}

// spatialCoverage returns the first zone of a spatial coverage.
func spatialCoverage(raw json.RawMessage) string {
	var s struct {
		Zones []any `json:"zones"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || len(s.Zones) == 0 {
		return ""
	}
	return text(s.Zones[0])
}

func checkAvailable(extras map[string]any) string {
	if v, ok := extras["check:available"].(bool); ok && v {
		return "True"
	}
	return ""
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return ""
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

func newCSV(dir, name string, header []string) (*csvFile, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	c := &csvFile{f: f, w: csv.NewWriter(f)}
	if err := c.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *csvFile) write(record []string) error {
	return c.w.Write(record)
}

func (c *csvFile) flush() error {
	c.w.Flush()
	return c.w.Error()
}

func (c *csvFile) close() {
	c.w.Flush()
	c.f.Close()
}
