package migration

import (
	"context"
	"fmt"
	"slices"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
)

// ExtrasToElements rebuilds a topic's elements from the factors stored in
// extras.<site>.datasets_properties. The list is recomputed, not merged.
// With Move, extras.<site> is removed in the same update.
type ExtrasToElements struct {
	Site string
	Move bool
}

func (p *ExtrasToElements) Name() string                 { return "extras-to-elements" }
func (p *ExtrasToElements) APIVersion() datagouv.Version { return datagouv.V2 }
func (p *ExtrasToElements) OnMissingPrecondition() Mode  { return ModeSkip }

func (p *ExtrasToElements) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	t := in.Topic
	site, _ := t.Extras[p.Site].(map[string]any)
	if len(site) == 0 {
		return domain.TopicPatch{}, Skip("no extras for this site")
	}
	raw, ok := site["datasets_properties"]
	if !ok {
		return domain.TopicPatch{}, &PreconditionError{Topic: t.Slug, Missing: []string{"extras." + p.Site + ".datasets_properties"}}
	}
	factors, _ := raw.([]any)
	elements := make([]domain.Element, 0, len(factors))
	for i, f := range factors {
		factor, ok := f.(map[string]any)
		if !ok {
			return domain.TopicPatch{}, fmt.Errorf("factor %d of %s is not an object", i, t.Slug)
		}
		elements = append(elements, p.element(factor))
	}
	patch := domain.TopicPatch{Tags: cloneTags(t.Tags), Elements: elements}
	if p.Move {
		patch.Extras = cloneExtras(t.Extras)
		delete(patch.Extras, p.Site)
	}
	return patch, nil
}

func (p *ExtrasToElements) element(factor map[string]any) domain.Element {
	title, _ := factor["title"].(string)
	purpose, _ := factor["purpose"].(string)
	availability, _ := factor["availability"].(string)
	e := domain.Element{
		Title:       title,
		Description: purpose,
		Tags:        []string{},
		Extras: map[string]any{
			p.Site: map[string]any{
				"uri":          factor["uri"],
				"group":        factor["group"],
				"availability": availability,
			},
		},
	}
	if availability == domain.Available {
		id, _ := factor["id"].(string)
		e.Element = &domain.ElementRef{Class: "Dataset", ID: id}
	}
	return e
}

// NormalizeElementField removes extras.<site>.<field> from every element
// whose value is one of Triggers. Elements without extras for the site are
// kept as is.
type NormalizeElementField struct {
	Site     string
	Field    string
	Triggers []any
}

func (p *NormalizeElementField) Name() string                 { return "normalize-element-field" }
func (p *NormalizeElementField) APIVersion() datagouv.Version { return datagouv.V2 }
func (p *NormalizeElementField) OnMissingPrecondition() Mode  { return ModeSkip }

func (p *NormalizeElementField) matches(v any) bool {
	return slices.ContainsFunc(p.Triggers, func(trigger any) bool { return trigger == v })
}

func (p *NormalizeElementField) Transform(ctx context.Context, in Input) (domain.TopicPatch, error) {
	elements, err := in.Elements(ctx)
	if err != nil {
		return domain.TopicPatch{}, fmt.Errorf("fetch elements of %s: %w", in.Topic.Slug, err)
	}
	fixed := 0
	out := make([]domain.Element, 0, len(elements))
	for _, e := range elements {
		site := e.SiteExtras(p.Site)
		if v, ok := site[p.Field]; ok && p.matches(v) {
			e, err = e.Edit(func(obj map[string]any) {
				extras, _ := obj["extras"].(map[string]any)
				if ns, ok := extras[p.Site].(map[string]any); ok {
					delete(ns, p.Field)
				}
			})
			if err != nil {
				return domain.TopicPatch{}, fmt.Errorf("normalize element of %s: %w", in.Topic.Slug, err)
			}
			fixed++
		}
		out = append(out, e)
	}
	if fixed == 0 {
		return domain.TopicPatch{}, Skip("no fixes needed")
	}
	return domain.TopicPatch{Tags: cloneTags(in.Topic.Tags), Elements: out}, nil
}

// CheckElements enforces the availability rules on every site
// namespace: "available" requires a dataset reference, "url available"
// requires a uri and forbids one.
func CheckElements(elements []domain.Element) error {
	for i, e := range elements {
		for site, raw := range e.Extras {
			extras, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch extras["availability"] {
			case domain.Available:
				if e.DatasetID() == "" {
					return fmt.Errorf("element %d (%s): %s availability is available without a dataset reference", i, e.Title, site)
				}
			case domain.URLAvailable:
				if uri, _ := extras["uri"].(string); uri == "" {
					return fmt.Errorf("element %d (%s): %s availability is url available without uri", i, e.Title, site)
				}
				if e.Element != nil {
					return fmt.Errorf("element %d (%s): %s availability is url available with a dataset reference", i, e.Title, site)
				}
			}
		}
	}
	return nil
}
