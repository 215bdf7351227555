package sqlitedb

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"github.com/stretchr/testify/assert"
)

func rid(i int) rev.ID {
	var id rev.ID
	copy(id[:], fmt.Sprintf("r%d", i))
	return id
}

func tempEnv(t *testing.T, opts Options) store.Env {
	dir, err := os.MkdirTemp("", "lounge-sqlite")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	opts.Logger = utils.NewNopLogger()
	env, err := New(opts).OpenEnv(context.Background(), dir)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestBackend_CAS(t *testing.T) {
	ctx := context.Background()
	env := tempEnv(t, Options{})
	b, res, err := env.OpenStore(ctx, "db", store.OpenFlags{Create: true})
	assert.NoError(t, err)
	assert.Equal(t, store.Created, res)

	seq, err := b.Put(ctx, nil, &store.Record{Key: "a", DocSeq: 1, Rev: rid(1), Body: []byte("one")})
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = b.Put(ctx, nil, &store.Record{Key: "a", DocSeq: 1, Rev: rid(2)})
	assert.ErrorIs(t, err, lounge_errors.ErrConflict)

	prev := rid(1)
	seq, err = b.Put(ctx, &prev, &store.Record{Key: "a", DocSeq: 2, Rev: rid(2), History: []rev.ID{rid(1)}, Body: []byte("two")})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	rec, err := b.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), rec.DocSeq)
	assert.Equal(t, rid(2), rec.Rev)
	assert.Equal(t, []rev.ID{rid(1)}, rec.History)
	assert.Equal(t, []byte("two"), rec.Body)

	m, hist, err := b.GetAllRevisions(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), m.Seq)
	assert.Equal(t, []rev.ID{rid(1)}, hist)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, lounge_errors.ErrNotFound)
	assert.NoError(t, b.Close())
}

func TestBackend_IterateAndReopen(t *testing.T) {
	ctx := context.Background()
	env := tempEnv(t, Options{PageSize: 2})
	b, _, err := env.OpenStore(ctx, "db", store.OpenFlags{Create: true})
	assert.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := b.Replace(ctx, &store.Record{Key: fmt.Sprintf("k%d", i), DocSeq: 1, Rev: rid(i)})
		assert.NoError(t, err)
	}
	_, err = b.Replace(ctx, &store.Record{Key: "k1", DocSeq: 2, Rev: rid(11), History: []rev.ID{rid(1)}})
	assert.NoError(t, err)

	it, err := b.Iterator(ctx, 1)
	assert.NoError(t, err)
	_, err = b.Replace(ctx, &store.Record{Key: "late", DocSeq: 1, Rev: rid(99)})
	assert.NoError(t, err)
	var keys []string
	for it.Next() {
		keys = append(keys, it.Record().Key)
	}
	assert.NoError(t, it.Err())
	assert.NoError(t, it.Close())
	assert.Equal(t, []string{"k2", "k3", "k4", "k5", "k1"}, keys)

	assert.NoError(t, b.PutLocal(ctx, "cp", []byte("1")))
	assert.NoError(t, b.PutLocal(ctx, "cp", []byte("2")))
	st, err := b.Stat(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(6), st.DocumentCount)
	assert.NoError(t, b.Close())

	_, _, err = env.OpenStore(ctx, "db", store.OpenFlags{Create: true, Exclusive: true})
	assert.ErrorIs(t, err, lounge_errors.ErrAlreadyExists)
	b, res, err := env.OpenStore(ctx, "db", store.OpenFlags{})
	assert.NoError(t, err)
	assert.Equal(t, store.Opened, res)
	assert.Equal(t, uint64(7), b.LastSequence())
	val, err := b.GetLocal(ctx, "cp")
	assert.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
	assert.NoError(t, b.Close())

	assert.NoError(t, env.DeleteStore(ctx, "db"))
	assert.ErrorIs(t, env.DeleteStore(ctx, "db"), lounge_errors.ErrNotFound)
	_, _, err = env.OpenStore(ctx, "db", store.OpenFlags{})
	assert.ErrorIs(t, err, lounge_errors.ErrNotFound)
}

func TestBackend_IteratorSnapshot(t *testing.T) {
	ctx := context.Background()
	env := tempEnv(t, Options{PageSize: 2})
	b, _, err := env.OpenStore(ctx, "db", store.OpenFlags{Create: true})
	assert.NoError(t, err)
	defer b.Close()

	for i := 1; i <= 4; i++ {
		_, err := b.Replace(ctx, &store.Record{Key: fmt.Sprintf("k%d", i), DocSeq: 1, Rev: rid(i)})
		assert.NoError(t, err)
	}
	it, err := b.Iterator(ctx, 0)
	assert.NoError(t, err)
	assert.True(t, it.Next())
	assert.Equal(t, "k1", it.Record().Key)

	// k3 moves to a new sequence while the iterator is open
	_, err = b.Replace(ctx, &store.Record{Key: "k3", DocSeq: 2, Rev: rid(33), History: []rev.ID{rid(3)}})
	assert.NoError(t, err)
	m, err := b.GetRevision(ctx, "k3")
	assert.NoError(t, err)
	assert.Equal(t, uint64(5), m.Seq)

	var revs []rev.ID
	for it.Next() {
		revs = append(revs, it.Record().Rev)
	}
	assert.NoError(t, it.Err())
	assert.NoError(t, it.Close())
	assert.NoError(t, it.Close())
	assert.Equal(t, []rev.ID{rid(2), rid(3), rid(4)}, revs)

	it, err = b.Iterator(ctx, 4)
	assert.NoError(t, err)
	assert.True(t, it.Next())
	assert.Equal(t, rid(33), it.Record().Rev)
	assert.False(t, it.Next())
	assert.NoError(t, it.Close())
}
