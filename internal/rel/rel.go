// Package rel walks paginated sub-collections exposed as relations.
//
// Pages are fetched lazily and only one page is held at a time. Records
// inserted or removed server-side between two page fetches may be skipped
// or seen twice; no deduplication is attempted.
package rel

import (
	"context"
	"iter"
	"net/url"

	"ecospheres/internal/domain"
)

// Getter is the subset of the API client needed to fetch pages.
type Getter interface {
	Get(ctx context.Context, endpoint string, params url.Values, out any) error
}

// Iterator yields the items of a relation in server page order.
type Iterator[T any] struct {
	getter Getter
	next   string
	page   []T
	pos    int
	item   T
	err    error
	pages  int
}

// New returns an iterator starting at r.Href. Nothing is fetched until the
// first call to Next.
func New[T any](g Getter, r domain.Rel) *Iterator[T] {
	return &Iterator[T]{getter: g, next: r.Href}
}

// Next advances to the next item, fetching the following page when the
// current one is exhausted. It returns false at the end of the chain or on
// error; check Err afterwards.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.page) {
		if it.next == "" {
			return false
		}
		var p domain.Page[T]
		if err := it.getter.Get(ctx, it.next, nil, &p); err != nil {
			it.err = err
			it.page = nil
			return false
		}
		it.pages++
		it.page = p.Data
		it.pos = 0
		it.next = ""
		if p.NextPage != nil {
			it.next = *p.NextPage
		}
	}
	it.item = it.page[it.pos]
	it.pos++
	return true
}

// Item returns the current item.
func (it *Iterator[T]) Item() T {
	return it.item
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Pages returns the number of pages fetched so far.
func (it *Iterator[T]) Pages() int {
	return it.pages
}

// All adapts a relation to a range-over-func sequence. A failed page fetch
// is yielded once as a zero item with a non-nil error.
func All[T any](ctx context.Context, g Getter, r domain.Rel) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := New[T](g, r)
		for it.Next(ctx) {
			if !yield(it.Item(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// Drain collects the whole relation. On error the items read so far are
// returned alongside it.
func Drain[T any](ctx context.Context, g Getter, r domain.Rel) ([]T, error) {
	var items []T
	it := New[T](g, r)
	for it.Next(ctx) {
		items = append(items, it.Item())
	}
	return items, it.Err()
}

// Elements returns the inline elements of a topic, or drains its relation.
func Elements(ctx context.Context, g Getter, e domain.Elements) ([]domain.Element, error) {
	if e.Rel == nil {
		return e.Items, nil
	}
	return Drain[domain.Element](ctx, g, *e.Rel)
}

// EachElement is the sequence form of Elements.
func EachElement(ctx context.Context, g Getter, e domain.Elements) iter.Seq2[domain.Element, error] {
	if e.Rel != nil {
		return All[domain.Element](ctx, g, *e.Rel)
	}
	return func(yield func(domain.Element, error) bool) {
		for _, item := range e.Items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
