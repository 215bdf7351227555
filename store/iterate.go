package store

import (
	"context"
	"iter"

	"github.com/Memeo/lounge/compress"
	"github.com/Memeo/lounge/lounge_errors"
)

// Iterator yields records with Seq greater than the starting point, in
// sequence order, as of the moment it was opened.
type Iterator struct {
	it  RecordIterator
	rec *Record
	err error
}

func (s *Store) Iterate(ctx context.Context, since uint64) (*Iterator, error) {
	if s.closed.Load() {
		return nil, lounge_errors.ErrClosed
	}
	it, err := s.backend.Iterator(ctx, since)
	if err != nil {
		return nil, lounge_errors.Driver("iterator", err)
	}
	return &Iterator{it: it}, nil
}

func (i *Iterator) Next() bool {
	if i.err != nil || !i.it.Next() {
		i.rec = nil
		return false
	}
	rec := i.it.Record()
	body, err := compress.Unpack(rec.Body)
	if err != nil {
		i.err = lounge_errors.Driverf("iterator", err, "body of %q", rec.Key)
		i.rec = nil
		return false
	}
	rec.Body = body
	i.rec = rec
	return true
}

func (i *Iterator) Record() *Record { return i.rec }

func (i *Iterator) Err() error {
	if i.err != nil {
		return i.err
	}
	return lounge_errors.Driver("iterator", i.it.Err())
}

func (i *Iterator) Close() error {
	return lounge_errors.Driver("iterator", i.it.Close())
}

// Changes is Iterate as a range-over-func sequence. A failure is yielded
// once with a nil record and ends the sequence.
func (s *Store) Changes(ctx context.Context, since uint64) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		it, err := s.Iterate(ctx, since)
		if err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(it.Record(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}
