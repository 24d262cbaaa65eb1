// Package catalogtest serves an in-memory imitation of the catalog API for
// tests. Every request is recorded so tests can assert on traffic.
package catalogtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Request is a recorded call.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	APIKey   string
	Body     []byte
}

// Server is a fake platform bound to an httptest.Server.
type Server struct {
	*httptest.Server

	// ElementsPageSize is the page size of elements relations.
	ElementsPageSize int

	mu       sync.Mutex
	topics   []map[string]any
	elements map[string][]map[string]any
	users    map[string]bool
	orgs     map[string]bool
	datasets map[string]map[string]any
	failures map[string]int
	requests []Request
	seq      int
}

// New starts a fake platform closed at the end of the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		ElementsPageSize: 20,
		elements:         map[string][]map[string]any{},
		users:            map[string]bool{},
		orgs:             map[string]bool{},
		datasets:         map[string]map[string]any{},
		failures:         map[string]int{},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/api/2/topics", s.listTopics)
	r.Get("/api/2/topics/{id}", s.getTopic)
	r.Get("/api/2/topics/{id}/", s.getTopic)
	r.Get("/api/2/topics/{id}/elements/", s.listElements)
	r.Post("/api/2/topics/{id}/datasets/", s.attachDatasets)
	for _, v := range []string{"1", "2"} {
		r.Post("/api/"+v+"/topics/", s.createTopic)
		r.Put("/api/"+v+"/topics/{id}/", s.replaceTopic)
	}
	r.Get("/api/1/users/{id}/", s.probe(func(id string) bool { return s.users[id] }))
	r.Get("/api/1/organization/{id}/", s.probe(func(id string) bool { return s.orgs[id] }))
	r.Get("/api/2/datasets/{id}/", s.getDataset)
	r.Get("/api/1/datasets/{id}", s.getDataset)
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			APIKey:   r.Header.Get("x-api-key"),
			Body:     body,
		})
		status, fail := s.failures[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if fail {
			writeJSON(w, status, map[string]any{"message": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddTopic stores a topic and its elements and returns its id.
func (s *Server) AddTopic(topic map[string]any, elements ...map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := clone(topic)
	id, _ := t["id"].(string)
	if id == "" {
		s.seq++
		id = fmt.Sprintf("topic-%d", s.seq)
		t["id"] = id
	}
	if _, ok := t["slug"]; !ok {
		t["slug"] = id
	}
	if _, ok := t["tags"]; !ok {
		t["tags"] = []any{}
	}
	if _, ok := t["extras"]; !ok {
		t["extras"] = map[string]any{}
	}
	delete(t, "elements")
	s.topics = append(s.topics, t)
	stored := make([]map[string]any, 0, len(elements))
	for _, e := range elements {
		stored = append(stored, clone(e))
	}
	s.elements[id] = stored
	return id
}

func (s *Server) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = true
}

func (s *Server) AddOrganization(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[id] = true
}

// AddDataset stores a dataset record under id. It is served by id on v1
// and by id or slug on v2.
func (s *Server) AddDataset(id string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record == nil {
		record = map[string]any{}
	}
	d := clone(record)
	d["id"] = id
	s.datasets[id] = d
}

// Fail makes every request matching method and path answer status.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Requests returns a copy of the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Count returns the number of recorded requests with method whose path
// starts with prefix.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// Writes returns recorded PUT and POST requests.
func (s *Server) Writes() []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			out = append(out, r)
		}
	}
	return out
}

// Topic returns the stored topic with the given id or slug.
func (s *Server) Topic(idOrSlug string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(idOrSlug); t != nil {
		return clone(t)
	}
	return nil
}

// Elements returns the stored elements of topic id.
func (s *Server) Elements(id string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.elements[id]))
	for _, e := range s.elements[id] {
		out = append(out, clone(e))
	}
	return out
}

func (s *Server) find(idOrSlug string) map[string]any {
	for _, t := range s.topics {
		if t["id"] == idOrSlug || t["slug"] == idOrSlug {
			return t
		}
	}
	return nil
}

func (s *Server) present(t map[string]any) map[string]any {
	out := clone(t)
	id := t["id"].(string)
	out["elements"] = map[string]any{
		"rel":   "subsection",
		"href":  fmt.Sprintf("%s/api/2/topics/%s/elements/", s.URL, id),
		"type":  "GET",
		"total": len(s.elements[id]),
	}
	return out
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tag := q.Get("tag")
	pageSize, err := strconv.Atoi(q.Get("page_size"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	withPrivate := q.Get("include_private") == "yes"
	s.mu.Lock()
	var data []map[string]any
	for _, t := range s.topics {
		if tag != "" && !slices.Contains(stringsOf(t["tags"]), tag) {
			continue
		}
		if private, _ := t["private"].(bool); private && !withPrivate {
			continue
		}
		data = append(data, s.present(t))
	}
	s.mu.Unlock()
	total := len(data)
	var next any
	if len(data) > pageSize {
		data = data[:pageSize]
		next = fmt.Sprintf("%s%s?%s&page=2", s.URL, r.URL.Path, r.URL.RawQuery)
	}
	if data == nil {
		data = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "next_page": next, "total": total, "page": 1, "page_size": pageSize})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(chi.URLParam(r, "id"))
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, s.present(t))
}

func (s *Server) listElements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(id) == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}
	all := s.elements[id]
	size := s.ElementsPageSize
	start := min((page-1)*size, len(all))
	end := min(start+size, len(all))
	data := make([]map[string]any, 0, end-start)
	for _, e := range all[start:end] {
		data = append(data, clone(e))
	}
	var next any
	if end < len(all) {
		next = fmt.Sprintf("%s%s?page=%d", s.URL, r.URL.Path, page+1)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "next_page": next, "page": page, "page_size": size, "total": len(all)})
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	elements := mapsOf(body["elements"])
	delete(body, "elements")
	if _, ok := body["slug"]; !ok {
		name, _ := body["name"].(string)
		body["slug"] = strings.ReplaceAll(strings.ToLower(name), " ", "-")
	}
	id := s.AddTopic(body, elements...)
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusCreated, s.present(s.find(id)))
}

func (s *Server) replaceTopic(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	t := s.find(id)
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}
	if raw, ok := body["elements"]; ok {
		s.elements[id] = mapsOf(raw)
		delete(body, "elements")
	}
	slug := t["slug"]
	for k := range t {
		delete(t, k)
	}
	for k, v := range body {
		t[k] = v
	}
	t["id"] = id
	t["slug"] = slug
	writeJSON(w, http.StatusOK, s.present(t))
}

func (s *Server) attachDatasets(w http.ResponseWriter, r *http.Request) {
	var body []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(chi.URLParam(r, "id"))
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}
	datasets, _ := t["datasets"].([]any)
	for _, d := range body {
		datasets = append(datasets, d["id"])
	}
	t["datasets"] = datasets
	writeJSON(w, http.StatusCreated, s.present(t))
}

func (s *Server) probe(exists func(id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := exists(chi.URLParam(r, "id"))
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id")})
	}
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDataset(chi.URLParam(r, "id"))
	if d == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) findDataset(idOrSlug string) map[string]any {
	if d := s.datasets[idOrSlug]; d != nil {
		return d
	}
	for _, d := range s.datasets {
		if d["slug"] == idOrSlug {
			return d
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clone deep-copies a JSON-shaped map through a marshal round trip.
func clone(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

func stringsOf(v any) []string {
	var out []string
	switch vv := v.(type) {
	case []any:
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = vv
	}
	return out
}

func mapsOf(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
