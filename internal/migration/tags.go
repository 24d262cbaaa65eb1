package migration

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
)

// ThemeTag builds "<prefix>-<kind>-<value>" as a slug, kind being "theme"
// or "subtheme".
func ThemeTag(prefix, kind, value string) string {
	return slug.Make(fmt.Sprintf("%s-%s-%s", prefix, kind, strings.ToLower(value)))
}

// ThemesAsTags turns extras.<ns>.theme and .subtheme into prefixed tags.
// With Move the extras fields are removed in the same update.
type ThemesAsTags struct {
	Prefix    string
	Namespace string
	// Lookup maps display names to slugs. Without it the display name
	// itself is slugified.
	Lookup    *Lookup
	CleanTags bool
	Move      bool

	theme    Field
	subtheme Field
}

func NewThemesAsTags(prefix, ns string) *ThemesAsTags {
	return &ThemesAsTags{
		Prefix:    prefix,
		Namespace: ns,
		theme:     MustField(fmt.Sprintf("$.extras['%s'].theme", ns)),
		subtheme:  MustField(fmt.Sprintf("$.extras['%s'].subtheme", ns)),
	}
}

func (p *ThemesAsTags) Name() string                 { return "themes-as-tags" }
func (p *ThemesAsTags) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *ThemesAsTags) OnMissingPrecondition() Mode  { return ModeSkip }

func (p *ThemesAsTags) resolve(kind, value string) (string, error) {
	if p.Lookup == nil {
		return value, nil
	}
	s, ok := p.Lookup.Find(kind, value)
	if !ok {
		return "", Skip("no slug found for %s / '%s'", kind, value)
	}
	return s, nil
}

func (p *ThemesAsTags) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	t := in.Topic
	theme, subtheme := p.theme.Text(t), p.subtheme.Text(t)
	if theme == "" || subtheme == "" {
		return domain.TopicPatch{}, Skip("no theme or subtheme to migrate")
	}
	themeSlug, err := p.resolve("theme", theme)
	if err != nil {
		return domain.TopicPatch{}, err
	}
	subthemeSlug, err := p.resolve("subtheme", subtheme)
	if err != nil {
		return domain.TopicPatch{}, err
	}

	var tags []string
	if p.CleanTags {
		tags = []string{in.UniverseTag}
	} else {
		excludes := []string{slug.Make(p.Prefix + "-theme-"), slug.Make(p.Prefix + "-subtheme-")}
		for _, tag := range t.Tags {
			if !slices.ContainsFunc(excludes, func(e string) bool { return strings.HasPrefix(tag, e) }) {
				tags = append(tags, tag)
			}
		}
	}
	tags = append(tags, ThemeTag(p.Prefix, "theme", themeSlug), ThemeTag(p.Prefix, "subtheme", subthemeSlug))

	patch := domain.TopicPatch{Tags: tags}
	if p.Move {
		patch.Extras = cloneExtras(t.Extras)
		ns := namespace(patch.Extras, p.Namespace)
		delete(ns, "theme")
		delete(ns, "subtheme")
	}
	return patch, nil
}

// TagRename is one old to new tag substitution.
type TagRename struct {
	Old string
	New string
}

// RenameTags substitutes tags through a static table. Without Move the old
// tags are kept next to the new ones.
type RenameTags struct {
	Mapping []TagRename
	Move    bool
}

func (p *RenameTags) Name() string                 { return "rename-tags" }
func (p *RenameTags) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *RenameTags) OnMissingPrecondition() Mode  { return ModeSkip }

// Rename applies the mapping to tags, keeping order and dropping duplicates.
func (p *RenameTags) Rename(tags []string) []string {
	mapping := make(map[string]string, len(p.Mapping))
	for _, r := range p.Mapping {
		mapping[r.Old] = r.New
	}
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	for _, tag := range tags {
		if renamed, ok := mapping[tag]; ok {
			add(renamed)
			if !p.Move {
				add(tag)
			}
			continue
		}
		add(tag)
	}
	return out
}

func (p *RenameTags) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	tags := p.Rename(in.Topic.Tags)
	if slices.Equal(tags, in.Topic.Tags) {
		return domain.TopicPatch{}, Skip("no tag to rename")
	}
	return domain.TopicPatch{Tags: tags}, nil
}

// RemoveTagPrefix drops every tag starting with Prefix.
type RemoveTagPrefix struct {
	Prefix string
}

func (p *RemoveTagPrefix) Name() string                 { return "remove-tag-prefix" }
func (p *RemoveTagPrefix) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *RemoveTagPrefix) OnMissingPrecondition() Mode  { return ModeSkip }

// Remove returns tags without the ones starting with Prefix.
func (p *RemoveTagPrefix) Remove(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !strings.HasPrefix(tag, p.Prefix) {
			out = append(out, tag)
		}
	}
	return out
}

func (p *RemoveTagPrefix) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	tags := p.Remove(in.Topic.Tags)
	if len(tags) == len(in.Topic.Tags) {
		return domain.TopicPatch{}, Skip("no tag with prefix %s to remove", p.Prefix)
	}
	return domain.TopicPatch{Tags: tags}, nil
}

// Categories maps a season to the links of the topics it contains.
type Categories map[string][]string

// LoadCategories reads a categories document from path.
func LoadCategories(path string) (Categories, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Categories
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid categories yaml: %w", err)
	}
	return c, nil
}

// SeasonTags tags the topics listed in Categories with the universe tag and
// "<universe>-season-<season>". With Move the theme and subtheme of
// extras.<ns> are removed, as is the stale ecospheres namespace.
type SeasonTags struct {
	Namespace  string
	Categories Categories
	Move       bool

	seasons map[string]string
}

func (p *SeasonTags) Name() string                 { return "season-tags" }
func (p *SeasonTags) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *SeasonTags) OnMissingPrecondition() Mode  { return ModeSkip }

// Select fetches the topics named in Categories, season by season.
func (p *SeasonTags) Select(ctx context.Context, api TopicGetter, _ string) ([]domain.Topic, error) {
	seasons := make([]string, 0, len(p.Categories))
	for s := range p.Categories {
		seasons = append(seasons, s)
	}
	sort.Strings(seasons)
	p.seasons = map[string]string{}
	var out []domain.Topic
	for _, season := range seasons {
		for _, link := range p.Categories[season] {
			topicSlug := linkSlug(link)
			t, err := api.GetTopic(ctx, topicSlug)
			if err != nil {
				return out, fmt.Errorf("fetch topic %s for season %s: %w", topicSlug, season, err)
			}
			p.seasons[t.ID] = season
			out = append(out, t)
		}
	}
	return out, nil
}

func linkSlug(link string) string {
	link = strings.TrimRight(link, "/")
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

func (p *SeasonTags) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	t := in.Topic
	season, ok := p.seasons[t.ID]
	if !ok {
		return domain.TopicPatch{}, Skip("topic not listed in any season")
	}
	prefix := []string{in.UniverseTag, fmt.Sprintf("%s-season-%s", in.UniverseTag, season)}
	tags := make([]string, 0, len(prefix)+len(t.Tags))
	for _, tag := range prefix {
		if !slices.Contains(t.Tags, tag) {
			tags = append(tags, tag)
		}
	}
	tags = append(tags, t.Tags...)

	patch := domain.TopicPatch{Tags: tags}
	if p.Move {
		patch.Extras = cloneExtras(t.Extras)
		if ns, ok := patch.Extras[p.Namespace].(map[string]any); ok {
			delete(ns, "theme")
			delete(ns, "subtheme")
		}
		delete(patch.Extras, "ecospheres")
	}
	if !p.Move && len(tags) == len(t.Tags) {
		return domain.TopicPatch{}, Skip("season tags already set")
	}
	return patch, nil
}
