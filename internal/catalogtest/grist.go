package catalogtest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Grist is an in-memory Grist document. Its URL is the document API root.
type Grist struct {
	*httptest.Server

	mu       sync.Mutex
	tables   map[int][]map[string]any
	failures map[string]int
}

// NewGrist starts a fake document closed at the end of the test.
func NewGrist(t testing.TB) *Grist {
	t.Helper()
	g := &Grist{tables: map[int][]map[string]any{}, failures: map[string]int{}}
	r := chi.NewRouter()
	r.Get("/tables/{table}/records", g.records)
	g.Server = httptest.NewServer(r)
	t.Cleanup(g.Close)
	return g
}

// AddRecords appends rows to table. Row ids start at 1 in each table.
func (g *Grist) AddRecords(table int, fields ...map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range fields {
		g.tables[table] = append(g.tables[table], map[string]any{
			"id":     len(g.tables[table]) + 1,
			"fields": clone(f),
		})
	}
}

// Fail makes every request matching method and path answer status.
func (g *Grist) Fail(method, path string, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[method+" "+path] = status
}

func (g *Grist) records(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if status, ok := g.failures[r.Method+" "+r.URL.Path]; ok {
		writeJSON(w, status, map[string]any{"error": http.StatusText(status)})
		return
	}
	table, _ := strconv.Atoi(chi.URLParam(r, "table"))
	records := g.tables[table]
	if records == nil {
		records = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
