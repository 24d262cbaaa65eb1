package bouquet_test

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecospheres/internal/bouquet"
	"ecospheres/internal/catalogtest"
	"ecospheres/internal/datagouv"
	"ecospheres/internal/grist"
)

type feedEnv struct {
	Srv  *catalogtest.Server
	Doc  *catalogtest.Grist
	Feed *bouquet.Feed
	Out  *bytes.Buffer
}

func newFeedEnv(t *testing.T) feedEnv {
	t.Helper()
	srv := catalogtest.New(t)
	doc := catalogtest.NewGrist(t)

	doc.AddRecords(4,
		map[string]any{"Identifiant": "eau", "Nom_du_bouquet": "Eau", "Description": "Ressource en eau"},
		map[string]any{"Identifiant": "air", "Nom_du_bouquet": "Air", "Description": "Qualité de l'air", "Bouquet_a_publier": true},
		map[string]any{"Identifiant": "sol", "Nom_du_bouquet": "Sol", "Description": "", "Bouquet_a_publier": false},
	)
	doc.AddRecords(2,
		map[string]any{"Nom_du_dataset": "Relevés", "URL": "https://ext.example.org/releves", "Bouquet": []any{"L", 1, 3}},
	)
	doc.AddRecords(1,
		map[string]any{"URL": "https://www.data.gouv.fr/fr/datasets/qualite-eau/", "Bouquets": []any{"L", 1, 2}},
		map[string]any{"URL": "https://example.org/datasets/elsewhere", "Bouquets": []any{"L", 1}},
		map[string]any{"URL": "https://www.data.gouv.fr/datasets/absent", "Bouquets": []any{"L", 1}},
		map[string]any{"URL": "", "Bouquets": []any{"L", 1}},
		map[string]any{"URL": "https://www.data.gouv.fr/fr/datasets/D1/", "Bouquets": nil},
	)

	srv.AddTopic(map[string]any{"id": "U", "slug": "universe", "tags": []any{}})
	srv.AddTopic(map[string]any{
		"id":   "T-air",
		"slug": "air",
		"name": "Air (old)",
		"tags": []any{"acces", "custom"},
		"extras": map[string]any{
			"accessibilite": map[string]any{"internal_topic_id": "air", "note": "kept"},
			"other":         map[string]any{"x": 1},
		},
	})
	srv.AddDataset("D1", map[string]any{"slug": "qualite-eau", "title": "Qualité de l'eau"})

	out := &bytes.Buffer{}
	return feedEnv{
		Srv: srv,
		Doc: doc,
		Out: out,
		Feed: &bouquet.Feed{
			Grist:           grist.New(doc.URL, nil),
			Client:          datagouv.New(srv.URL, datagouv.WithAPIKey("secret")),
			Tables:          bouquet.DefaultFeedTables(),
			UniverseTopicID: "U",
			UniverseTag:     "acces",
			ExtrasKey:       "accessibilite",
			Organization:    "ORG",
			Out:             out,
		},
	}
}

func TestFeedFromGrist(t *testing.T) {
	env := newFeedEnv(t)
	report, err := env.Feed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bouquet.FeedReport{Attached: 1, Created: 1, Updated: 1, MissingDatasets: []string{"absent"}}, report)

	var attach []catalogtest.Request
	for _, w := range env.Srv.Writes() {
		if w.Path == "/api/2/topics/U/datasets/" {
			attach = append(attach, w)
		}
	}
	require.Len(t, attach, 1)
	assert.JSONEq(t, `[{"id":"D1"}]`, string(attach[0].Body))

	created := env.Srv.Topic("eau")
	require.NotNil(t, created)
	assert.Equal(t, []any{"acces"}, created["tags"])
	assert.Equal(t, map[string]any{"accessibilite": map[string]any{"internal_topic_id": "eau"}}, created["extras"])
	assert.Equal(t, map[string]any{"id": "ORG"}, created["organization"])
	want := []map[string]any{
		{
			"title": "Relevés", "description": "Source externe pour 'Relevés'", "tags": []any{},
			"extras": map[string]any{"accessibilite": map[string]any{"availability": "url available", "uri": "https://ext.example.org/releves"}},
		},
		{
			"title": "Qualité de l'eau", "description": "Jeu de données 'Qualité de l'eau' sur data.gouv.fr.", "tags": []any{},
			"extras":  map[string]any{"accessibilite": map[string]any{"availability": "available", "uri": "/datasets/D1"}},
			"element": map[string]any{"class": "Dataset", "id": "D1"},
		},
	}
	if diff := cmp.Diff(want, env.Srv.Elements(created["id"].(string))); diff != "" {
		t.Fatalf("created elements (-want +got):\n%s", diff)
	}

	updated := env.Srv.Topic("T-air")
	assert.Equal(t, "Air", updated["name"])
	assert.Equal(t, []any{"acces", "custom"}, updated["tags"])
	assert.Equal(t, map[string]any{
		"accessibilite": map[string]any{"internal_topic_id": "air", "note": "kept"},
		"other":         map[string]any{"x": float64(1)},
	}, updated["extras"])
	assert.Len(t, env.Srv.Elements("T-air"), 1)
	assert.Nil(t, env.Srv.Topic("sol"), "unpublished grist topics are ignored")
}

func TestFeedIsRepeatable(t *testing.T) {
	env := newFeedEnv(t)
	_, err := env.Feed.Run(context.Background())
	require.NoError(t, err)
	created := env.Srv.Topic("eau")["id"].(string)

	report, err := env.Feed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 2, report.Updated)
	creations := 0
	for _, w := range env.Srv.Writes() {
		if w.Method == http.MethodPost && w.Path == "/api/2/topics/" {
			creations++
		}
	}
	assert.Equal(t, 1, creations, "no second creation")
	assert.Len(t, env.Srv.Elements(created), 2, "payloads are rebuilt on every run")
}

func TestFeedDryRun(t *testing.T) {
	env := newFeedEnv(t)
	env.Feed.DryRun = true
	report, err := env.Feed.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, env.Srv.Writes())
	assert.Contains(t, env.Out.String(), `"internal_topic_id": "eau"`)
	assert.Equal(t, 3, strings.Count(env.Out.String(), "\n}\n"))
}

func TestFeedStopsOnGristError(t *testing.T) {
	env := newFeedEnv(t)
	env.Doc.Fail(http.MethodGet, "/tables/2/records", http.StatusInternalServerError)
	_, err := env.Feed.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, env.Srv.Writes())
}

func TestDatasetRef(t *testing.T) {
	cases := map[string]string{
		"https://www.data.gouv.fr/fr/datasets/qualite-eau/": "qualite-eau",
		"https://demo.data.gouv.fr/datasets/D1":             "D1",
	}
	for raw, want := range cases {
		got, ok := bouquet.DatasetRef(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := bouquet.DatasetRef("https://example.org/datasets/x")
	assert.False(t, ok)
}
