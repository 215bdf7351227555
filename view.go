package lounge

import (
	"context"
	"iter"
	"strings"

	"github.com/Memeo/lounge/codec"
)

// MapFunc emits a value for a document, or nil to skip it.
type MapFunc func(doc *Document) *codec.Value

// ReduceFunc folds one emitted value into the accumulator, which starts
// as nil.
type ReduceFunc func(acc, v *codec.Value) *codec.Value

// Documents walks every live document in sequence order.
func (db *DB) Documents(ctx context.Context) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		for rec, err := range db.st.Changes(ctx, 0) {
			if err != nil {
				yield(nil, err)
				return
			}
			if rec.Deleted {
				continue
			}
			doc, err := db.document(rec)
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

// View yields the mapped value of every live document. A nil map yields
// the bodies themselves.
func (db *DB) View(ctx context.Context, mapfn MapFunc) iter.Seq2[*codec.Value, error] {
	return func(yield func(*codec.Value, error) bool) {
		for doc, err := range db.Documents(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			v := doc.Body
			if mapfn != nil {
				if v = mapfn(doc); v == nil {
					continue
				}
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Reduce maps every live document and folds the results.
func (db *DB) Reduce(ctx context.Context, mapfn MapFunc, reducefn ReduceFunc) (*codec.Value, error) {
	return Fold(db.View(ctx, mapfn), nil, reducefn)
}

// Fold runs fn over a sequence, stopping at the first error.
func Fold[T, A any](seq iter.Seq2[T, error], acc A, fn func(A, T) A) (A, error) {
	for v, err := range seq {
		if err != nil {
			return acc, err
		}
		acc = fn(acc, v)
	}
	return acc, nil
}

// KeyPrefix keeps changes whose key starts with prefix.
func KeyPrefix(prefix string) ChangeFilter {
	return func(c Change) bool { return strings.HasPrefix(c.Key, prefix) }
}

func LiveOnly(c Change) bool { return !c.Deleted }
