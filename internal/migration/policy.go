package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"

	"ecospheres/internal/datagouv"
	"ecospheres/internal/domain"
)

// Mode tells the runner what to do when a policy's precondition is missing.
type Mode string

const (
	ModeSkip  Mode = "skip"
	ModeAbort Mode = "abort"
)

// Policy computes the update for one topic.
type Policy interface {
	Name() string
	APIVersion() datagouv.Version
	OnMissingPrecondition() Mode
	// Transform returns the patch to send, a *SkipError when the topic has
	// nothing to migrate, or a *PreconditionError.
	Transform(ctx context.Context, in Input) (domain.TopicPatch, error)
}

// TopicGetter fetches single topics.
type TopicGetter interface {
	GetTopic(ctx context.Context, idOrSlug string) (domain.Topic, error)
}

// Selector is implemented by policies that pick their own topics instead
// of handling the whole universe listing.
type Selector interface {
	Select(ctx context.Context, api TopicGetter, universeTag string) ([]domain.Topic, error)
}

// Input is the state a policy transforms.
type Input struct {
	Topic       domain.Topic
	UniverseTag string

	elements func(ctx context.Context) ([]domain.Element, error)
}

// Elements returns the topic's elements, draining the relation if needed.
func (in Input) Elements(ctx context.Context) ([]domain.Element, error) {
	if in.elements == nil {
		return in.Topic.Elements.Items, nil
	}
	return in.elements(ctx)
}

// SkipError reports a topic left untouched.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return e.Reason }

// Skip returns a *SkipError.
func Skip(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// PreconditionError reports fields a policy expected from an earlier
// migration.
type PreconditionError struct {
	Topic   string
	Missing []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("topic %s not migrated: missing %s", e.Topic, strings.Join(e.Missing, ", "))
}

// Field reads a value out of a topic through a JSONPath selector rooted at
// the topic record.
type Field struct {
	path string
	x    jp.Expr
}

// MustField compiles path and panics if it is invalid.
func MustField(path string) Field {
	x, err := jp.ParseString(path)
	if err != nil {
		panic(fmt.Sprintf("invalid jsonpath '%s': %v", path, err))
	}
	return Field{path: path, x: x}
}

func (f Field) String() string { return f.path }

// Get returns the first match, or nil.
func (f Field) Get(t domain.Topic) any {
	res := f.x.Get(topicRoot(t))
	if len(res) == 0 {
		return nil
	}
	return res[0]
}

// Has reports whether the selector matches, even a null value.
func (f Field) Has(t domain.Topic) bool {
	return len(f.x.Get(topicRoot(t))) > 0
}

// Text returns the match when it is a string, else "".
func (f Field) Text(t domain.Topic) string {
	s, _ := f.Get(t).(string)
	return s
}

func topicRoot(t domain.Topic) map[string]any {
	tags := make([]any, len(t.Tags))
	for i, tag := range t.Tags {
		tags[i] = tag
	}
	extras := t.Extras
	if extras == nil {
		extras = map[string]any{}
	}
	return map[string]any{
		"id":     t.ID,
		"slug":   t.Slug,
		"name":   t.Name,
		"tags":   tags,
		"extras": extras,
	}
}

// cloneExtras deep-copies extras so that a patch never aliases the fetched
// topic.
func cloneExtras(m map[string]any) map[string]any {
	return domain.CloneMap(m)
}

// namespace returns extras[ns] as a map, creating it in extras if needed.
func namespace(extras map[string]any, ns string) map[string]any {
	m, ok := extras[ns].(map[string]any)
	if !ok {
		m = map[string]any{}
		extras[ns] = m
	}
	return m
}

func cloneTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}
