package migration

import (
	"context"
	"fmt"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
)

// ConsolidateExtras copies the legacy "<ns>:datasets_properties" and
// "<ns>:informations" extras into extras.<ns>. The legacy keys are kept.
type ConsolidateExtras struct {
	Namespace string

	properties Field
	theme      Field
	subtheme   Field
}

func NewConsolidateExtras(ns string) *ConsolidateExtras {
	return &ConsolidateExtras{
		Namespace:  ns,
		properties: MustField(fmt.Sprintf("$.extras['%s:datasets_properties']", ns)),
		theme:      MustField(fmt.Sprintf("$.extras['%s:informations'][0].theme", ns)),
		subtheme:   MustField(fmt.Sprintf("$.extras['%s:informations'][0].subtheme", ns)),
	}
}

func (p *ConsolidateExtras) Name() string                 { return "consolidate-extras" }
func (p *ConsolidateExtras) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *ConsolidateExtras) OnMissingPrecondition() Mode  { return ModeSkip }

func (p *ConsolidateExtras) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	t := in.Topic
	var missing []string
	for _, f := range []Field{p.theme, p.subtheme} {
		if !f.Has(t) {
			missing = append(missing, f.String())
		}
	}
	if len(missing) > 0 {
		return domain.TopicPatch{}, &PreconditionError{Topic: t.Slug, Missing: missing}
	}
	props := p.properties.Get(t)
	if props == nil {
		props = []any{}
	}
	extras := cloneExtras(t.Extras)
	ns := namespace(extras, p.Namespace)
	ns["datasets_properties"] = domain.CloneValue(props)
	ns["theme"] = p.theme.Get(t)
	ns["subtheme"] = p.subtheme.Get(t)
	return domain.TopicPatch{Tags: cloneTags(t.Tags), Extras: extras}, nil
}

// DropLegacyExtras removes the legacy keys consolidated by
// ConsolidateExtras. Running it on a topic that was not consolidated aborts
// the batch.
type DropLegacyExtras struct {
	Namespace string

	required []Field
}

func NewDropLegacyExtras(ns string) *DropLegacyExtras {
	p := &DropLegacyExtras{Namespace: ns}
	for _, key := range []string{"datasets_properties", "theme", "subtheme"} {
		p.required = append(p.required, MustField(fmt.Sprintf("$.extras['%s'].%s", ns, key)))
	}
	return p
}

func (p *DropLegacyExtras) Name() string                 { return "drop-legacy-extras" }
func (p *DropLegacyExtras) APIVersion() datagouv.Version { return datagouv.V1 }
func (p *DropLegacyExtras) OnMissingPrecondition() Mode  { return ModeAbort }

func (p *DropLegacyExtras) Transform(_ context.Context, in Input) (domain.TopicPatch, error) {
	t := in.Topic
	var missing []string
	for _, f := range p.required {
		if !f.Has(t) {
			missing = append(missing, f.String())
		}
	}
	if len(missing) > 0 {
		return domain.TopicPatch{}, &PreconditionError{Topic: t.Slug, Missing: missing}
	}
	extras := cloneExtras(t.Extras)
	legacy := []string{p.Namespace + ":datasets_properties", p.Namespace + ":informations"}
	removed := 0
	for _, k := range legacy {
		if _, ok := extras[k]; ok {
			delete(extras, k)
			removed++
		}
	}
	if removed == 0 {
		return domain.TopicPatch{}, Skip("no legacy extras left")
	}
	return domain.TopicPatch{Tags: cloneTags(t.Tags), Extras: extras}, nil
}
