package bouquet_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecospheres/internal/bouquet"
	"ecospheres/internal/catalogtest"
	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
)

type copyEnv struct {
	Src    *catalogtest.Server
	Dst    *catalogtest.Server
	Copier *bouquet.Copier
}

func newCopyEnv(t *testing.T) copyEnv {
	t.Helper()
	src := catalogtest.New(t)
	dst := catalogtest.New(t)
	return copyEnv{
		Src: src,
		Dst: dst,
		Copier: &bouquet.Copier{
			Source:         datagouv.New(src.URL),
			SourceBaseURL:  src.URL,
			Destination:    datagouv.New(dst.URL, datagouv.WithAPIKey("dest-key")),
			DestinationTag: "dest-tag",
			Site:           "ecospheres",
		},
	}
}

func datasetElement(id string, extras map[string]any) map[string]any {
	return map[string]any{
		"title":       "dataset " + id,
		"description": "",
		"tags":        []any{},
		"extras":      extras,
		"element":     map[string]any{"class": "Dataset", "id": id},
	}
}

func urlElement(uri string) map[string]any {
	return map[string]any{
		"title":       "link",
		"description": "",
		"tags":        []any{},
		"extras":      map[string]any{"ecospheres": map[string]any{"availability": "url available", "uri": uri}},
	}
}

func body(t *testing.T, r catalogtest.Request) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.Body, &out))
	return out
}

func TestCopyScenario(t *testing.T) {
	env := newCopyEnv(t)
	d1 := datasetElement("D1", map[string]any{"ecospheres": map[string]any{"availability": "available"}})
	link := urlElement("http://x")
	env.Src.AddTopic(map[string]any{
		"slug":        "foo",
		"name":        "Foo",
		"description": "desc",
		"owner":       map[string]any{"id": "U1"},
		"tags":        []any{"a"},
	}, d1, link)
	env.Dst.AddDataset("D1", nil)

	res, err := env.Copier.Copy(context.Background(), "foo")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "foo", res.Slug)
	assert.Empty(t, res.Downgraded)

	writes := env.Dst.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPost, writes[0].Method)
	assert.Equal(t, "/api/2/topics/", writes[0].Path)
	assert.Equal(t, "dest-key", writes[0].APIKey)

	sent := body(t, writes[0])
	assert.Equal(t, []any{"dest-tag", "a"}, sent["tags"])
	assert.NotContains(t, sent, "owner")
	assert.NotContains(t, sent, "organization")
	assert.Equal(t, "Foo", sent["name"])
	assert.Equal(t, "desc", sent["description"])
	if diff := cmp.Diff([]any{d1, link}, toAny(t, sent["elements"])); diff != "" {
		t.Fatalf("elements changed (-source +sent):\n%s", diff)
	}
	assert.Empty(t, env.Src.Writes(), "source is read only")
}

func toAny(t *testing.T, v any) []any {
	t.Helper()
	list, ok := v.([]any)
	require.True(t, ok, "expected a list, got %T", v)
	return list
}

func TestCopyDowngradesMissingDatasets(t *testing.T) {
	env := newCopyEnv(t)
	missing := datasetElement("D404", map[string]any{
		"ecospheres": map[string]any{"availability": "available", "group": "G"},
		"defis":      map[string]any{"note": "kept"},
	})
	present := datasetElement("D200", map[string]any{"ecospheres": map[string]any{"availability": "available"}})
	env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo", "organization": map[string]any{"id": "O1"}}, missing, present)
	env.Dst.AddDataset("D200", nil)
	env.Dst.AddOrganization("O1")

	res, err := env.Copier.Copy(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, []string{"D404"}, res.Downgraded)

	sent := body(t, env.Dst.Writes()[0])
	assert.Equal(t, map[string]any{"id": "O1"}, sent["organization"])
	elements := toAny(t, sent["elements"])
	require.Len(t, elements, 2)

	downgraded := elements[0].(map[string]any)
	assert.NotContains(t, downgraded, "element")
	extras := downgraded["extras"].(map[string]any)
	assert.Equal(t, map[string]any{
		"availability": "url available",
		"uri":          env.Src.URL + "/datasets/D404/",
		"group":        "G",
	}, extras["ecospheres"])
	assert.Equal(t, map[string]any{"note": "kept"}, extras["defis"])

	assert.Equal(t, present, elements[1], "elements whose dataset exists are sent unchanged")

	var typed []domain.Element
	raw, _ := json.Marshal(elements)
	require.NoError(t, json.Unmarshal(raw, &typed))
	assert.Equal(t, "", typed[0].DatasetID())
}

func TestDowngradeElementKeepsInput(t *testing.T) {
	in := domain.Element{
		Title:   "x",
		Extras:  map[string]any{"ecospheres": map[string]any{"availability": "available"}},
		Element: &domain.ElementRef{Class: "Dataset", ID: "D1"},
	}
	out, err := bouquet.DowngradeElement(in, "ecospheres", "https://demo.data.gouv.fr")
	require.NoError(t, err)
	assert.Nil(t, out.Element)
	assert.Equal(t, map[string]any{"availability": "url available", "uri": "https://demo.data.gouv.fr/datasets/D1/"}, out.Extras["ecospheres"])
	assert.NotNil(t, in.Element)
	assert.Equal(t, "available", in.SiteExtras("ecospheres")["availability"])
}

func TestCopySendsPresentElementsVerbatim(t *testing.T) {
	env := newCopyEnv(t)
	bare := map[string]any{"element": map[string]any{"class": "Dataset", "id": "D1"}}
	annotated := datasetElement("D2", map[string]any{"ecospheres": map[string]any{"availability": "available"}})
	annotated["created_at"] = "2024-01-01"
	missing := map[string]any{
		"element":    map[string]any{"class": "Dataset", "id": "D3"},
		"created_at": "2024-02-02",
	}
	env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo"}, bare, annotated, missing)
	env.Dst.AddDataset("D1", nil)
	env.Dst.AddDataset("D2", nil)

	res, err := env.Copier.Copy(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, []string{"D3"}, res.Downgraded)

	elements := toAny(t, body(t, env.Dst.Writes()[0])["elements"])
	require.Len(t, elements, 3)
	if diff := cmp.Diff([]any{bare, annotated}, elements[:2]); diff != "" {
		t.Fatalf("present elements changed (-source +sent):\n%s", diff)
	}
	downgraded := elements[2].(map[string]any)
	assert.Equal(t, "2024-02-02", downgraded["created_at"], "unmodelled keys survive a downgrade")
	assert.NotContains(t, downgraded, "element")
	assert.NotContains(t, downgraded, "title")
	assert.Equal(t, map[string]any{"ecospheres": map[string]any{
		"availability": "url available",
		"uri":          env.Src.URL + "/datasets/D3/",
	}}, downgraded["extras"])
}

func TestCopyReplacesExistingAfterConfirm(t *testing.T) {
	env := newCopyEnv(t)
	env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo", "tags": []any{"a"}})
	env.Dst.AddTopic(map[string]any{"id": "X1", "slug": "foo", "name": "Old"})

	var asked []string
	env.Copier.Confirm = func(slug string) (bool, error) {
		asked = append(asked, slug)
		return true, nil
	}
	res, err := env.Copier.Copy(context.Background(), "foo")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"foo"}, asked)
	writes := env.Dst.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPut, writes[0].Method)
	assert.Equal(t, "/api/2/topics/X1/", writes[0].Path)
	assert.Equal(t, "Foo", env.Dst.Topic("X1")["name"])
}

func TestCopyDeclinedAborts(t *testing.T) {
	for name, confirm := range map[string]func(string) (bool, error){
		"declined":  func(string) (bool, error) { return false, nil },
		"no prompt": nil,
	} {
		t.Run(name, func(t *testing.T) {
			env := newCopyEnv(t)
			env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo"})
			env.Dst.AddTopic(map[string]any{"id": "X1", "slug": "foo"})
			env.Copier.Confirm = confirm
			_, err := env.Copier.Copy(context.Background(), "foo")
			require.ErrorIs(t, err, bouquet.ErrCopyAborted)
			assert.Empty(t, env.Dst.Writes())
		})
	}
}

func TestCopyProbeErrorsAreFatal(t *testing.T) {
	cases := map[string]func(env copyEnv){
		"topic probe":   func(env copyEnv) { env.Dst.Fail(http.MethodGet, "/api/2/topics/foo", http.StatusInternalServerError) },
		"owner probe":   func(env copyEnv) { env.Dst.Fail(http.MethodGet, "/api/1/users/U1/", http.StatusForbidden) },
		"dataset probe": func(env copyEnv) { env.Dst.Fail(http.MethodGet, "/api/2/datasets/D1/", http.StatusBadGateway) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			env := newCopyEnv(t)
			env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo", "owner": map[string]any{"id": "U1"}},
				datasetElement("D1", map[string]any{"ecospheres": map[string]any{"availability": "available"}}))
			setup(env)
			_, err := env.Copier.Copy(context.Background(), "foo")
			require.Error(t, err)
			var he *datagouv.HTTPError
			require.True(t, errors.As(err, &he))
			assert.NotEqual(t, http.StatusNotFound, he.StatusCode)
			assert.Empty(t, env.Dst.Writes())
		})
	}
}

func TestCopyDryRun(t *testing.T) {
	env := newCopyEnv(t)
	env.Src.AddTopic(map[string]any{"slug": "foo", "name": "Foo", "tags": []any{"a"}})
	var out jsonBuffer
	env.Copier.DryRun = true
	env.Copier.Out = &out
	res, err := env.Copier.Copy(context.Background(), "foo")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, env.Dst.Writes())
	var printed map[string]any
	require.NoError(t, json.Unmarshal(out.data, &printed))
	assert.Equal(t, []any{"dest-tag", "a"}, printed["tags"])
	assert.Equal(t, []any{}, printed["elements"])
}

type jsonBuffer struct{ data []byte }

func (b *jsonBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
