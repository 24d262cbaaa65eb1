package schema

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestValidateElements(t *testing.T) {
	v, err := Default()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok := []map[string]any{
		{
			"title":   "dataset",
			"extras":  map[string]any{"ecospheres": map[string]any{"availability": "available", "group": nil}},
			"element": map[string]any{"class": "Dataset", "id": "D1"},
		},
		{
			"title":  "url",
			"extras": map[string]any{"ecospheres": map[string]any{"availability": "url available", "uri": "https://example.org"}},
		},
	}
	if err := v.ValidateElements(ok); err != nil {
		t.Fatalf("expected valid elements: %v", err)
	}
	missingURI := []map[string]any{
		{"title": "url", "extras": map[string]any{"ecospheres": map[string]any{"availability": "url available"}}},
	}
	if err := v.ValidateElements(missingURI); err == nil {
		t.Fatalf("expected uri to be required for url available")
	}
	badAvailability := []map[string]any{
		{"title": "x", "extras": map[string]any{"ecospheres": map[string]any{"availability": "maybe"}}},
	}
	if err := v.ValidateElements(badAvailability); err == nil {
		t.Fatalf("expected unknown availability to be rejected")
	}
}

func TestValidateConfig(t *testing.T) {
	v, err := Default()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var doc any
	if err := yaml.Unmarshal([]byte(`
datagouvfr:
  base_url: https://demo.data.gouv.fr
pages:
  bouquets:
    universe_query:
      tag: ecospheres
`), &doc); err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateConfig(doc); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
	var noScheme any
	if err := yaml.Unmarshal([]byte(`
datagouvfr:
  base_url: demo.data.gouv.fr
universe:
  name: ecospheres
`), &noScheme); err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateConfig(noScheme); err == nil {
		t.Fatalf("expected base_url without scheme to be rejected")
	}
}
