package grist_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecospheres/internal/catalogtest"
	"ecospheres/internal/datagouv"
	"ecospheres/internal/grist"
)

func TestRecords(t *testing.T) {
	doc := catalogtest.NewGrist(t)
	doc.AddRecords(4,
		map[string]any{"Identifiant": "eau", "Bouquets": []any{"L", 1, 2, "x"}},
		map[string]any{"Identifiant": "air"},
	)
	c := grist.New(doc.URL, nil)
	records, err := c.Records(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, "eau", records[0].Text("Identifiant"))
	assert.Equal(t, []int64{1, 2}, records[0].Refs("Bouquets"))
	assert.Empty(t, records[1].Refs("Bouquets"))
	assert.Equal(t, "", records[1].Text("Nom"))

	empty, err := c.Records(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, empty)

	doc.Fail(http.MethodGet, "/tables/4/records", http.StatusForbidden)
	_, err = c.Records(context.Background(), 4)
	var he *datagouv.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.StatusCode)
}
