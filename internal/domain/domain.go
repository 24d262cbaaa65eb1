package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Availability values carried in an element's site extras.
const (
	Available    = "available"
	URLAvailable = "url available"
)

// Ref points at a user or an organization owning a topic or a dataset.
type Ref struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Page      string `json:"page,omitempty"`
}

// DisplayName returns the organization name or the user's full name.
func (r *Ref) DisplayName() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Rel is a link to a paginated sub-collection.
type Rel struct {
	Rel   string `json:"rel,omitempty"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Total int    `json:"total,omitempty"`
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Data     []T     `json:"data"`
	NextPage *string `json:"next_page"`
	Page     int     `json:"page,omitempty"`
	PageSize int     `json:"page_size,omitempty"`
	Total    int     `json:"total,omitempty"`
}

// ElementRef links an element to a first-class platform object.
type ElementRef struct {
	Class string `json:"class"`
	ID    string `json:"id"`
}

// Element is one line item (factor) of a topic.
type Element struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Extras      map[string]any `json:"extras"`
	Element     *ElementRef    `json:"element,omitempty"`

	// Raw is the element as received. It is written back verbatim, so keys
	// the typed view does not model survive a round trip.
	Raw json.RawMessage `json:"-"`
}

type plainElement Element

func (e *Element) UnmarshalJSON(data []byte) error {
	var p plainElement
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Element(p)
	e.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}
	return json.Marshal(plainElement(e))
}

// Edit applies fn to a decoded copy of the element's JSON object and
// returns the edited element. e is left untouched.
func (e Element) Edit(fn func(obj map[string]any)) (Element, error) {
	src, err := e.MarshalJSON()
	if err != nil {
		return Element{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Element{}, fmt.Errorf("decode element: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	fn(obj)
	data, err := json.Marshal(obj)
	if err != nil {
		return Element{}, fmt.Errorf("encode element: %w", err)
	}
	var out Element
	if err := json.Unmarshal(data, &out); err != nil {
		return Element{}, err
	}
	return out, nil
}

// SiteExtras returns the extras namespaced under site, or nil.
func (e Element) SiteExtras(site string) map[string]any {
	m, _ := e.Extras[site].(map[string]any)
	return m
}

// DatasetID returns the referenced dataset id, if any.
func (e Element) DatasetID() string {
	if e.Element == nil {
		return ""
	}
	return e.Element.ID
}

// Elements is either an inline list or a relation to a paginated list.
type Elements struct {
	Items []Element
	Rel   *Rel
}

func (e *Elements) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*e = Elements{}
		return nil
	case data[0] == '[':
		var items []Element
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode elements list: %w", err)
		}
		*e = Elements{Items: items}
		return nil
	case data[0] == '{':
		var rel Rel
		if err := json.Unmarshal(data, &rel); err != nil {
			return fmt.Errorf("decode elements relation: %w", err)
		}
		*e = Elements{Rel: &rel}
		return nil
	}
	return fmt.Errorf("unexpected elements payload %q", data)
}

func (e Elements) MarshalJSON() ([]byte, error) {
	if e.Rel != nil {
		return json.Marshal(e.Rel)
	}
	if e.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e.Items)
}

// Topic is a bouquet as returned by the platform.
type Topic struct {
	ID           string          `json:"id,omitempty"`
	Slug         string          `json:"slug,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Tags         []string        `json:"tags"`
	Extras       map[string]any  `json:"extras,omitempty"`
	Elements     Elements        `json:"elements"`
	Owner        *Ref            `json:"owner,omitempty"`
	Organization *Ref            `json:"organization,omitempty"`
	Spatial      json.RawMessage `json:"spatial,omitempty"`
	Private      bool            `json:"private"`
	Page         string          `json:"page,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
}

// Author returns the organization, else the owner.
func (t Topic) Author() *Ref {
	if t.Organization != nil {
		return t.Organization
	}
	return t.Owner
}

// TopicPayload is the body sent to create or fully replace a topic.
type TopicPayload struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Tags         []string        `json:"tags"`
	Spatial      json.RawMessage `json:"spatial,omitempty"`
	Private      bool            `json:"private"`
	Owner        *Ref            `json:"owner,omitempty"`
	Organization *Ref            `json:"organization,omitempty"`
	Extras       map[string]any  `json:"extras,omitempty"`
	Elements     []Element       `json:"elements"`
}

// TopicPatch is the body sent by migrations. Omitted fields (nil) are not
// sent; an empty, non-nil Elements is sent as [] and clears the list.
type TopicPatch struct {
	Tags     []string
	Extras   map[string]any
	Elements []Element
}

func (p TopicPatch) MarshalJSON() ([]byte, error) {
	out := map[string]any{"tags": p.Tags}
	if p.Tags == nil {
		out["tags"] = []string{}
	}
	if p.Extras != nil {
		out["extras"] = p.Extras
	}
	if p.Elements != nil {
		out["elements"] = p.Elements
	}
	return json.Marshal(out)
}

// Schema describes the schema a dataset or resource conforms to.
type Schema struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	Version string `json:"version,omitempty"`
}

// Label renders "label (version v)" or just the label.
func (s *Schema) Label() string {
	if s == nil {
		return ""
	}
	label := s.URL
	if label == "" {
		label = s.Name
	}
	if label == "" {
		return ""
	}
	if s.Version != "" {
		return fmt.Sprintf("%s (version %s)", label, s.Version)
	}
	return label
}

type Resource struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Type   string         `json:"type"`
	Format string         `json:"format"`
	Schema *Schema        `json:"schema,omitempty"`
	Extras map[string]any `json:"extras,omitempty"`
}

type Quality struct {
	Score *float64 `json:"score,omitempty"`
}

// Dataset is the subset of the v1 dataset record the export reads.
type Dataset struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Page         string     `json:"page"`
	LastModified string     `json:"last_modified"`
	License      string     `json:"license,omitempty"`
	Owner        *Ref       `json:"owner,omitempty"`
	Organization *Ref       `json:"organization,omitempty"`
	Schema       *Schema    `json:"schema,omitempty"`
	Quality      *Quality   `json:"quality,omitempty"`
	Resources    []Resource `json:"resources"`
}

func (d Dataset) Author() *Ref {
	if d.Organization != nil {
		return d.Organization
	}
	return d.Owner
}

// CloneMap deep-copies a decoded JSON object. A nil map yields an empty one.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return CloneValue(m).(map[string]any)
}

// CloneValue deep-copies maps and slices of a decoded JSON value.
func CloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = CloneValue(val)
		}
		return out
	default:
		return v
	}
}
