package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecospheres/internal/domain"
)

const lookupYAML = `
filters:
  bouquets:
    items:
      - id: theme
        values:
          - id: transport
            name: Transport
      - id: subtheme
        values:
          - id: logistique
            name: Logistique
`

func input(t domain.Topic) Input {
	return Input{Topic: t, UniverseTag: "ecospheres"}
}

func TestRenameTagsIdempotent(t *testing.T) {
	registered, err := Build("20250507_1_rename_themes", Options{})
	require.NoError(t, err)
	mapping := registered.(*RenameTags).Mapping

	tags := []string{"ecospheres", "ecospheres-theme-consommer", "ecospheres-theme-se-loger", "autre"}
	for _, move := range []bool{false, true} {
		p := &RenameTags{Mapping: mapping, Move: move}
		once := p.Rename(tags)
		twice := p.Rename(once)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Fatalf("move=%v: rename not idempotent (-once +twice):\n%s", move, diff)
		}
	}

	p := &RenameTags{Mapping: mapping, Move: true}
	assert.Equal(t, []string{"ecospheres", "ecospheres-theme-mieux-consommer", "ecospheres-theme-mieux-se-loger", "autre"}, p.Rename(tags))
	p.Move = false
	assert.Equal(t, []string{"ecospheres", "ecospheres-theme-mieux-consommer", "ecospheres-theme-consommer", "ecospheres-theme-mieux-se-loger", "ecospheres-theme-se-loger", "autre"}, p.Rename(tags))

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "x", Tags: p.Rename(tags)}))
	var skip *SkipError
	assert.ErrorAs(t, err, &skip, "renaming already renamed tags is a no-op")
}

func TestRemoveTagPrefixNoop(t *testing.T) {
	p := &RemoveTagPrefix{Prefix: "ecospheres-subtheme"}
	tags := []string{"ecospheres", "ecospheres-theme-autre"}
	assert.Equal(t, tags, p.Remove(tags))
	_, err := p.Transform(context.Background(), input(domain.Topic{Slug: "x", Tags: tags}))
	var skip *SkipError
	require.ErrorAs(t, err, &skip)

	patch, err := p.Transform(context.Background(), input(domain.Topic{Slug: "x", Tags: []string{"ecospheres", "ecospheres-subtheme-eau"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ecospheres"}, patch.Tags)
	assert.Equal(t, p.Remove(patch.Tags), patch.Tags)
}

func TestThemesAsTagsMove(t *testing.T) {
	lookup, err := ParseLookup([]byte(lookupYAML))
	require.NoError(t, err)
	p := NewThemesAsTags("ecospheres", "ecospheres")
	p.Lookup = lookup
	p.Move = true

	topic := domain.Topic{
		Slug: "foo",
		Tags: []string{"ecospheres", "ecospheres-theme-old"},
		Extras: map[string]any{
			"ecospheres": map[string]any{"theme": "Transport", "subtheme": "Logistique", "datasets_properties": []any{}},
			"other":      "kept",
		},
	}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	assert.Equal(t, []string{"ecospheres", "ecospheres-theme-transport", "ecospheres-subtheme-logistique"}, patch.Tags)
	want := map[string]any{
		"ecospheres": map[string]any{"datasets_properties": []any{}},
		"other":      "kept",
	}
	if diff := cmp.Diff(want, patch.Extras); diff != "" {
		t.Fatalf("unexpected extras (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Transport", topic.Extras["ecospheres"].(map[string]any)["theme"], "fetched topic is not mutated")

	p.Move = false
	patch, err = p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	assert.Nil(t, patch.Extras, "extras are not sent without move")
}

func TestThemesAsTagsSkips(t *testing.T) {
	lookup, err := ParseLookup([]byte(lookupYAML))
	require.NoError(t, err)
	p := NewThemesAsTags("logistique", "logistique")
	p.Lookup = lookup

	var skip *SkipError
	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "a", Extras: map[string]any{"logistique": map[string]any{"theme": "Transport"}}}))
	require.ErrorAs(t, err, &skip)

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "b", Extras: map[string]any{"logistique": map[string]any{"theme": "Transport", "subtheme": "Inconnu"}}}))
	require.ErrorAs(t, err, &skip)
	assert.Contains(t, skip.Reason, "Inconnu")

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "c"}))
	require.ErrorAs(t, err, &skip)
}

func TestThemesAsTagsSlugifiesWithoutLookup(t *testing.T) {
	p := NewThemesAsTags("ecospheres", "ecospheres")
	p.CleanTags = true
	topic := domain.Topic{
		Slug:   "foo",
		Tags:   []string{"ecospheres", "custom"},
		Extras: map[string]any{"ecospheres": map[string]any{"theme": "Mieux se déplacer", "subtheme": "Vélo"}},
	}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	assert.Equal(t, []string{"ecospheres", "ecospheres-theme-mieux-se-deplacer", "ecospheres-subtheme-velo"}, patch.Tags)
}

func TestThemesAsTagsDropsBareThemeTags(t *testing.T) {
	p := NewThemesAsTags("ecospheres", "ecospheres")
	topic := domain.Topic{
		Slug:   "foo",
		Tags:   []string{"ecospheres", "ecospheres-theme", "ecospheres-subtheme", "ecospheres-theme-old", "custom"},
		Extras: map[string]any{"ecospheres": map[string]any{"theme": "Eau", "subtheme": "Nappes"}},
	}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	assert.Equal(t, []string{"ecospheres", "custom", "ecospheres-theme-eau", "ecospheres-subtheme-nappes"}, patch.Tags)
}

func TestConsolidateExtras(t *testing.T) {
	p := NewConsolidateExtras("ecospheres")
	topic := domain.Topic{
		Slug: "foo",
		Tags: []string{"ecospheres"},
		Extras: map[string]any{
			"ecospheres:informations":        []any{map[string]any{"theme": "Eau", "subtheme": "Nappes"}},
			"ecospheres:datasets_properties": []any{map[string]any{"title": "D"}},
			"ecospheres":                     map[string]any{"existing": true},
		},
	}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	want := map[string]any{
		"existing":            true,
		"datasets_properties": []any{map[string]any{"title": "D"}},
		"theme":               "Eau",
		"subtheme":            "Nappes",
	}
	if diff := cmp.Diff(want, patch.Extras["ecospheres"]); diff != "" {
		t.Fatalf("unexpected namespace (-want +got):\n%s", diff)
	}
	assert.Contains(t, patch.Extras, "ecospheres:informations", "legacy keys are kept")

	again, err := p.Transform(context.Background(), input(domain.Topic{Slug: "foo", Tags: topic.Tags, Extras: patch.Extras}))
	require.NoError(t, err)
	if diff := cmp.Diff(patch, again); diff != "" {
		t.Fatalf("consolidation not idempotent:\n%s", diff)
	}

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "bare", Extras: map[string]any{}}))
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "bare", pre.Topic)
}

func TestDropLegacyExtras(t *testing.T) {
	p := NewDropLegacyExtras("ecospheres")
	assert.Equal(t, ModeAbort, p.OnMissingPrecondition())

	migrated := domain.Topic{
		Slug: "foo",
		Extras: map[string]any{
			"ecospheres":                     map[string]any{"datasets_properties": []any{}, "theme": "Eau", "subtheme": "Nappes"},
			"ecospheres:informations":        []any{},
			"ecospheres:datasets_properties": []any{},
		},
	}
	patch, err := p.Transform(context.Background(), input(migrated))
	require.NoError(t, err)
	assert.Equal(t, []string{"ecospheres"}, keys(patch.Extras))

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "foo", Extras: patch.Extras}))
	var skip *SkipError
	require.ErrorAs(t, err, &skip)

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "legacy", Extras: map[string]any{"ecospheres:informations": []any{}}}))
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Len(t, pre.Missing, 3)
}

func keys(m map[string]any) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestExtrasToElements(t *testing.T) {
	p := &ExtrasToElements{Site: "ecospheres", Move: true}
	topic := domain.Topic{
		Slug: "foo",
		Tags: []string{"ecospheres"},
		Extras: map[string]any{
			"ecospheres": map[string]any{
				"theme": "Eau",
				"datasets_properties": []any{
					map[string]any{"title": "Dataset", "purpose": "why", "availability": "available", "id": "D1", "group": "G"},
					map[string]any{"title": "Link", "purpose": "", "availability": "url available", "uri": "https://example.org"},
				},
			},
			"logistique": map[string]any{},
		},
	}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	want := []domain.Element{
		{
			Title:       "Dataset",
			Description: "why",
			Tags:        []string{},
			Extras:      map[string]any{"ecospheres": map[string]any{"uri": nil, "group": "G", "availability": "available"}},
			Element:     &domain.ElementRef{Class: "Dataset", ID: "D1"},
		},
		{
			Title:  "Link",
			Tags:   []string{},
			Extras: map[string]any{"ecospheres": map[string]any{"uri": "https://example.org", "group": nil, "availability": "url available"}},
		},
	}
	if diff := cmp.Diff(want, patch.Elements); diff != "" {
		t.Fatalf("unexpected elements (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]any{"logistique": map[string]any{}}, patch.Extras)
	require.NoError(t, CheckElements(patch.Elements))

	empty := domain.Topic{Slug: "empty", Extras: map[string]any{"ecospheres": map[string]any{"datasets_properties": []any{}}}}
	patch, err = p.Transform(context.Background(), input(empty))
	require.NoError(t, err)
	assert.NotNil(t, patch.Elements)
	assert.Empty(t, patch.Elements)

	_, err = p.Transform(context.Background(), input(domain.Topic{Slug: "none", Extras: map[string]any{}}))
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
}

func TestNormalizeElementField(t *testing.T) {
	p := &NormalizeElementField{Site: "ecospheres", Field: "group", Triggers: []any{nil, "Sans regroupement"}}
	elements := []domain.Element{
		{Title: "null", Extras: map[string]any{"ecospheres": map[string]any{"availability": "unknown", "group": nil}}},
		{Title: "sentinel", Extras: map[string]any{"ecospheres": map[string]any{"availability": "unknown", "group": "Sans regroupement"}}},
		{Title: "named", Extras: map[string]any{"ecospheres": map[string]any{"availability": "unknown", "group": "Eau"}}},
		{Title: "absent", Extras: map[string]any{"ecospheres": map[string]any{"availability": "unknown"}}},
		{Title: "other site", Extras: map[string]any{"defis": map[string]any{"group": nil}}},
	}
	topic := domain.Topic{Slug: "foo", Tags: []string{"ecospheres"}, Elements: domain.Elements{Items: elements}}
	patch, err := p.Transform(context.Background(), input(topic))
	require.NoError(t, err)
	require.Len(t, patch.Elements, 5)
	for i, title := range []string{"null", "sentinel"} {
		assert.Equal(t, title, patch.Elements[i].Title)
		assert.NotContains(t, patch.Elements[i].SiteExtras("ecospheres"), "group")
	}
	assert.Equal(t, "Eau", patch.Elements[2].SiteExtras("ecospheres")["group"])
	assert.Equal(t, elements[3], patch.Elements[3])
	assert.Equal(t, elements[4], patch.Elements[4], "elements without site extras are kept")
	assert.Contains(t, elements[0].SiteExtras("ecospheres"), "group", "input elements are not mutated")

	again, err := p.Transform(context.Background(), input(domain.Topic{Slug: "foo", Elements: domain.Elements{Items: patch.Elements}}))
	var skip *SkipError
	require.ErrorAs(t, err, &skip, "normalized elements need no fix")
	assert.Empty(t, again.Elements)
}

func TestCheckElements(t *testing.T) {
	cases := []struct {
		name    string
		element domain.Element
		ok      bool
	}{
		{"available with ref", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "available"}}, Element: &domain.ElementRef{Class: "Dataset", ID: "D"}}, true},
		{"available without ref", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "available"}}}, false},
		{"url with uri", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "url available", "uri": "http://x"}}}, true},
		{"url without uri", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "url available"}}}, false},
		{"url with ref", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "url available", "uri": "http://x"}}, Element: &domain.ElementRef{ID: "D"}}, false},
		{"other availability", domain.Element{Extras: map[string]any{"s": map[string]any{"availability": "not available"}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckElements([]domain.Element{tc.element})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type topicsBySlug map[string]domain.Topic

func (m topicsBySlug) GetTopic(_ context.Context, slug string) (domain.Topic, error) {
	t, ok := m[slug]
	if !ok {
		return domain.Topic{}, errors.New("not found")
	}
	return t, nil
}

func TestSeasonTags(t *testing.T) {
	api := topicsBySlug{
		"eau": {ID: "T1", Slug: "eau", Tags: []string{"custom"}, Extras: map[string]any{
			"defis":      map[string]any{"theme": "Eau", "subtheme": "Nappes", "keep": true},
			"ecospheres": map[string]any{},
		}},
		"air": {ID: "T2", Slug: "air", Tags: []string{"defis", "defis-season-2024"}},
	}
	p := &SeasonTags{
		Namespace:  "defis",
		Categories: Categories{"2024": {"https://defis.data.gouv.fr/bouquets/air"}, "2025": {"https://defis.data.gouv.fr/bouquets/eau/"}},
		Move:       true,
	}
	topics, err := p.Select(context.Background(), api, "defis")
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "air", topics[0].Slug)

	in := Input{Topic: topics[1], UniverseTag: "defis"}
	patch, err := p.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"defis", "defis-season-2025", "custom"}, patch.Tags)
	assert.Equal(t, map[string]any{"defis": map[string]any{"keep": true}}, patch.Extras)

	p.Move = false
	_, err = p.Transform(context.Background(), Input{Topic: topics[0], UniverseTag: "defis"})
	var skip *SkipError
	require.ErrorAs(t, err, &skip, "season tags already present")
}

func TestLookupParse(t *testing.T) {
	l, err := ParseLookup([]byte(lookupYAML))
	require.NoError(t, err)
	s, ok := l.Find("theme", "Transport")
	assert.True(t, ok)
	assert.Equal(t, "transport", s)
	_, ok = l.Find("theme", "Logistique")
	assert.False(t, ok, "names are scoped by filter")
	_, err = ParseLookup([]byte("filters: {}\n"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	names := make([]string, 0)
	for _, m := range Registered() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{
		"20240529_1_extras_schema",
		"20240529_2_extras_schema",
		"20250106_1_themes_as_tags",
		"20250313_1_logistique_themes_as_tags",
		"20250403_1_remove_chantiers",
		"20250414_1_defis_themes_as_tags",
		"20250507_1_rename_themes",
		"20250528_1_migrate_to_elements",
		"20250912_1_fix_group_migration",
	}, names)

	_, err := Build("nope", Options{})
	assert.ErrorIs(t, err, ErrUnknownMigration)
	_, err = Build("20250313_1_logistique_themes_as_tags", Options{})
	assert.Error(t, err, "lookup path is required")

	p, err := Build("20250528_1_migrate_to_elements", Options{Site: "logistique", Move: true})
	require.NoError(t, err)
	assert.Equal(t, &ExtrasToElements{Site: "logistique", Move: true}, p)
}
