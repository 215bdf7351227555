// Package pebbledb stores lounge records in pebble, one pebble database
// per store under the environment directory.
package pebbledb

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Options struct {
	// FS defaults to the OS file system; vfs.NewMem() keeps everything in
	// memory.
	FS vfs.FS
	// NoSync skips the fsync on commit.
	NoSync    bool
	CacheSize int64
	Logger    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 8 << 20
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Driver struct {
	name string
	opts Options
	mem  bool
}

var _ store.Driver = (*Driver)(nil)

func New(opts Options) *Driver {
	opts.SetDefaults()
	return &Driver{name: "pebble", opts: opts}
}

// NewMem is a driver whose environments live in memory. Each environment
// gets its own file system, shared by all stores opened in it, so a store
// survives close and reopen until the environment is dropped.
func NewMem(opts Options) *Driver {
	opts.SetDefaults()
	return &Driver{name: "memory", opts: opts, mem: true}
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) OpenEnv(ctx context.Context, path string) (store.Env, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := d.opts
	if d.mem {
		opts.FS = vfs.NewMem()
	}
	if err := opts.FS.MkdirAll(path, 0755); err != nil {
		return nil, lounge_errors.Driverf("open_env", err, "mkdir %s", path)
	}
	return &Env{path: path, opts: opts, cache: pebble.NewCache(opts.CacheSize)}, nil
}

type Env struct {
	path  string
	opts  Options
	cache *pebble.Cache
	mu    sync.Mutex
	open  map[string]*Backend
}

func (e *Env) dir(name string) string {
	return e.opts.FS.PathJoin(e.path, name)
}

func (e *Env) OpenStore(ctx context.Context, name string, flags store.OpenFlags) (store.Backend, store.OpenResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Opened, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.open[name]; busy {
		return nil, store.Opened, lounge_errors.Invalid("store %q is already open", name)
	}
	popts := &pebble.Options{
		FS:               e.opts.FS,
		Cache:            e.cache,
		ErrorIfNotExists: !flags.Create,
		ErrorIfExists:    flags.Create && flags.Exclusive,
	}
	db, err := pebble.Open(e.dir(name), popts)
	switch {
	case errors.Is(err, pebble.ErrDBDoesNotExist):
		return nil, store.Opened, lounge_errors.ErrNotFound
	case errors.Is(err, pebble.ErrDBAlreadyExists):
		return nil, store.Opened, lounge_errors.ErrAlreadyExists
	case err != nil:
		return nil, store.Opened, lounge_errors.Driverf("open_store", err, "store %s", name)
	}
	b := &Backend{env: e, name: name, db: db, log: e.opts.Logger, wo: pebble.Sync}
	if e.opts.NoSync {
		b.wo = pebble.NoSync
	}
	res, err := b.load()
	if err != nil {
		_ = db.Close()
		return nil, res, err
	}
	if e.open == nil {
		e.open = make(map[string]*Backend)
	}
	e.open[name] = b
	return b, res, nil
}

func (e *Env) DeleteStore(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.open[name]; busy {
		return lounge_errors.Invalid("store %q is open", name)
	}
	if _, err := e.opts.FS.Stat(e.dir(name)); err != nil {
		return lounge_errors.ErrNotFound
	}
	return lounge_errors.Driver("delete_store", e.opts.FS.RemoveAll(e.dir(name)))
}

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for name, b := range e.open {
		if err := b.closeDB(); err != nil && first == nil {
			first = err
		}
		delete(e.open, name)
	}
	e.cache.Unref()
	return lounge_errors.Driver("close_env", first)
}

func (e *Env) release(name string) {
	e.mu.Lock()
	delete(e.open, name)
	e.mu.Unlock()
}

type Backend struct {
	env  *Env
	name string
	db   *pebble.DB
	log  utils.Logger
	wo   *pebble.WriteOptions

	// seqMu orders sequence allocation with the commit carrying it
	seqMu   sync.Mutex
	lastSeq atomic.Uint64
	count   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

var _ store.Backend = (*Backend)(nil)

// load recovers the counters and stamps a fresh database. The stamp tells
// a created store from one opened again.
func (b *Backend) load() (store.OpenResult, error) {
	res := store.Opened
	_, closer, err := b.db.Get(metaCreated)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		res = store.Created
		if err := b.db.Set(metaCreated, []byte{1}, b.wo); err != nil {
			return res, lounge_errors.Driver("load", err)
		}
	case err != nil:
		return res, lounge_errors.Driver("load", err)
	default:
		_ = closer.Close()
	}

	it, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixSeq},
		UpperBound: []byte{prefixSeq + 1},
	})
	if err != nil {
		return res, lounge_errors.Driver("load", err)
	}
	if it.Last() {
		b.lastSeq.Store(seqOf(it.Key()))
	}
	if err := it.Close(); err != nil {
		return res, lounge_errors.Driver("load", err)
	}
	val, closer, err := b.db.Get(metaCount)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return res, lounge_errors.Driver("load", err)
	default:
		if len(val) == 8 {
			b.count.Store(binary.BigEndian.Uint64(val))
		}
		_ = closer.Close()
	}
	b.log.Debug("pebble store loaded", "store", b.name, "result", res.String(),
		"last_seq", b.lastSeq.Load(), "count", b.count.Load())
	return res, nil
}

func (b *Backend) DB() *pebble.DB { return b.db }

func (b *Backend) Name() string { return b.name }

func (b *Backend) read(key []byte) ([]byte, error) {
	val, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, lounge_errors.ErrNotFound
	}
	if err != nil {
		return nil, lounge_errors.Driver("get", err)
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := b.read(docKey(key))
	if err != nil {
		return nil, err
	}
	rec := &store.Record{Key: key}
	if err := rec.UnmarshalBinary(val); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) GetRevision(ctx context.Context, key string) (store.Meta, error) {
	if err := ctx.Err(); err != nil {
		return store.Meta{}, err
	}
	return b.meta(key)
}

// meta reads the header key, or the record itself where the store was
// written without header keys.
func (b *Backend) meta(key string) (store.Meta, error) {
	for _, k := range [][]byte{revKey(key), docKey(key)} {
		val, closer, err := b.db.Get(k)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.Meta{}, lounge_errors.Driver("get_revision", err)
		}
		m, err := store.DecodeMeta(val)
		_ = closer.Close()
		return m, err
	}
	return store.Meta{}, lounge_errors.ErrNotFound
}

func (b *Backend) GetAllRevisions(ctx context.Context, key string) (store.Meta, []rev.ID, error) {
	rec, err := b.Get(ctx, key)
	if err != nil {
		return store.Meta{}, nil, err
	}
	return rec.Meta(), rec.History, nil
}

func (b *Backend) Put(ctx context.Context, expected *rev.ID, rec *store.Record) (uint64, error) {
	return b.write(ctx, rec, func(prev *store.Meta) error {
		switch {
		case prev == nil && expected == nil:
			return nil
		case prev == nil || expected == nil || prev.Rev != *expected:
			return lounge_errors.ErrConflict
		}
		return nil
	})
}

func (b *Backend) Replace(ctx context.Context, rec *store.Record) (uint64, error) {
	return b.write(ctx, rec, nil)
}

func (b *Backend) write(ctx context.Context, rec *store.Record, check func(prev *store.Meta) error) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dk := docKey(rec.Key)

	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	var prev *store.Meta
	m, err := b.meta(rec.Key)
	switch {
	case errors.Is(err, lounge_errors.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		prev = &m
	}
	if check != nil {
		if err := check(prev); err != nil {
			return 0, err
		}
	}

	seq := b.lastSeq.Load() + 1
	stored := *rec
	stored.Seq = seq

	batch := b.db.NewBatch()
	defer batch.Close()
	if prev != nil {
		if err := batch.Delete(seqKey(prev.Seq), nil); err != nil {
			return 0, lounge_errors.Driver("put", err)
		}
	}
	val := stored.AppendBinary(nil)
	if err := batch.Set(dk, val, nil); err != nil {
		return 0, lounge_errors.Driver("put", err)
	}
	if err := batch.Set(revKey(rec.Key), val[:store.HeaderSize], nil); err != nil {
		return 0, lounge_errors.Driver("put", err)
	}
	if err := batch.Set(seqKey(seq), []byte(rec.Key), nil); err != nil {
		return 0, lounge_errors.Driver("put", err)
	}
	count := b.count.Load()
	if prev == nil {
		count++
		if err := batch.Set(metaCount, binary.BigEndian.AppendUint64(nil, count), nil); err != nil {
			return 0, lounge_errors.Driver("put", err)
		}
	}
	if err := batch.Commit(b.wo); err != nil {
		return 0, lounge_errors.Driver("commit", err)
	}
	b.count.Store(count)
	b.lastSeq.Store(seq)
	return seq, nil
}

func (b *Backend) LastSequence() uint64 {
	return b.lastSeq.Load()
}

func (b *Backend) Stat(ctx context.Context) (store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return store.Stat{}, err
	}
	return store.Stat{
		DocumentCount:   b.count.Load(),
		ApproximateSize: b.db.Metrics().DiskSpaceUsage(),
		LastSequence:    b.lastSeq.Load(),
	}, nil
}

func (b *Backend) GetLocal(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.read(localKey(key))
}

func (b *Backend) PutLocal(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return lounge_errors.Driver("put_local", b.db.Set(localKey(key), value, b.wo))
}

func (b *Backend) closeDB() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func (b *Backend) Close() error {
	b.env.release(b.name)
	return lounge_errors.Driver("close", b.closeDB())
}
