package pebbledb

import (
	"context"
	"errors"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/store"
	"github.com/cockroachdb/pebble"
)

// iterator walks the sequence index of a snapshot and resolves every entry
// to its record in the same snapshot.
type iterator struct {
	ctx  context.Context
	snap *pebble.Snapshot
	it   *pebble.Iterator
	rec  *store.Record
	err  error
	// the first Next positions, later ones advance
	started bool
}

func (b *Backend) Iterator(ctx context.Context, since uint64) (store.RecordIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := b.db.NewSnapshot()
	it, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: seqKey(since + 1),
		UpperBound: []byte{prefixSeq + 1},
	})
	if err != nil {
		_ = snap.Close()
		return nil, lounge_errors.Driver("iterator", err)
	}
	return &iterator{ctx: ctx, snap: snap, it: it}, nil
}

func (i *iterator) Next() bool {
	if i.err != nil {
		return false
	}
	if err := i.ctx.Err(); err != nil {
		i.err = err
		return false
	}
	var ok bool
	if !i.started {
		ok = i.it.First()
		i.started = true
	} else {
		ok = i.it.Next()
	}
	if !ok {
		i.rec = nil
		return false
	}
	key := string(i.it.Value())
	val, closer, err := i.snap.Get(docKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			err = lounge_errors.Malformed("sequence %d points at missing %q", seqOf(i.it.Key()), key)
		}
		i.err = err
		return false
	}
	rec := &store.Record{Key: key}
	err = rec.UnmarshalBinary(append([]byte(nil), val...))
	_ = closer.Close()
	if err != nil {
		i.err = err
		return false
	}
	i.rec = rec
	return true
}

func (i *iterator) Record() *store.Record { return i.rec }

func (i *iterator) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Error()
}

func (i *iterator) Close() error {
	err := i.it.Close()
	if serr := i.snap.Close(); err == nil {
		err = serr
	}
	return err
}
