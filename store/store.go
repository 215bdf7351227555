// Package store is the revision-chain storage engine: compare-and-swap
// writes keyed on the current revision, a store-wide sequence number per
// mutation, bounded ancestry and sequence-ordered iteration over a
// pluggable Backend.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Memeo/lounge/compress"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Options struct {
	MaxHistory        int
	RevisionCacheSize int
	Compression       compress.Kind
	Logger            utils.Logger
}

func (o *Options) SetDefaults() {
	if o.MaxHistory <= 0 {
		o.MaxHistory = 1024
	}
	if o.RevisionCacheSize <= 0 {
		o.RevisionCacheSize = 4096
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Store struct {
	name    string
	env     Env
	backend Backend
	opts    Options
	log     utils.Logger
	locks   *utils.KeyLocks
	revs    *lru.Cache[string, Meta]
	closed  atomic.Bool
}

// Open opens (or with flags.Create creates) the named store in env.
func Open(ctx context.Context, env Env, name string, flags OpenFlags, opts Options) (*Store, OpenResult, error) {
	opts.SetDefaults()
	if name == "" {
		return nil, Opened, lounge_errors.Invalid("empty store name")
	}
	backend, res, err := env.OpenStore(ctx, name, flags)
	if err != nil {
		return nil, res, lounge_errors.Driver("open", err)
	}
	revs, err := lru.New[string, Meta](opts.RevisionCacheSize)
	if err != nil {
		_ = backend.Close()
		return nil, res, lounge_errors.Invalid("revision cache size %d", opts.RevisionCacheSize)
	}
	s := &Store{
		name:    name,
		env:     env,
		backend: backend,
		opts:    opts,
		log:     opts.Logger,
		locks:   utils.NewKeyLocks(),
		revs:    revs,
	}
	s.log.Debug("store open", "name", name, "result", res.String(), "last_seq", backend.LastSequence())
	return s, res, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Options() Options { return s.opts }

// Backend is the driver handle, for driver specific extras such as metrics.
func (s *Store) Backend() Backend { return s.backend }

func (s *Store) check(key string) error {
	if s.closed.Load() {
		return lounge_errors.ErrClosed
	}
	if key == "" {
		return lounge_errors.Invalid("empty key")
	}
	return nil
}

// Get returns the current record. With want set, want must be the current
// revision or one of its retained ancestors; only the current body is kept,
// so an ancestor still yields the current record.
func (s *Store) Get(ctx context.Context, key string, want *rev.ID) (*Record, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	rec, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, lounge_errors.Driver("get", err)
	}
	rec.Key = key
	if want != nil && *want != rec.Rev && !rev.Contains(rec.History, *want) {
		return nil, lounge_errors.ErrRevisionNotFound
	}
	if rec.Body, err = compress.Unpack(rec.Body); err != nil {
		return nil, lounge_errors.Driverf("get", err, "body of %q", key)
	}
	return rec, nil
}

// CurrentRevision reads the head of a record without its body.
func (s *Store) CurrentRevision(ctx context.Context, key string) (rev.Ref, bool, error) {
	if err := s.check(key); err != nil {
		return rev.Ref{}, false, err
	}
	if m, ok := s.revs.Get(key); ok {
		RevisionCacheHits.WithLabelValues(s.name, "hit").Inc()
		return m.Ref(), m.Deleted, nil
	}
	RevisionCacheHits.WithLabelValues(s.name, "miss").Inc()
	// under the key lock so a concurrent write cannot be overtaken by a
	// stale cache fill
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return rev.Ref{}, false, err
	}
	defer unlock()
	m, err := s.backend.GetRevision(ctx, key)
	if err != nil {
		return rev.Ref{}, false, lounge_errors.Driver("get_revision", err)
	}
	s.revs.Add(key, m)
	return m.Ref(), m.Deleted, nil
}

// History returns the generation and the retained ancestors of the current
// revision, newest first.
func (s *Store) History(ctx context.Context, key string) (uint64, []rev.ID, error) {
	if err := s.check(key); err != nil {
		return 0, nil, err
	}
	m, hist, err := s.backend.GetAllRevisions(ctx, key)
	if err != nil {
		return 0, nil, lounge_errors.Driver("get_all_revisions", err)
	}
	return m.DocSeq, hist, nil
}

// Put writes rec as the successor of expected. A nil expected means the key
// must not exist yet. On success rec carries its new Seq, DocSeq and
// History. When rec.DocSeq is preset it must equal the next generation.
func (s *Store) Put(ctx context.Context, expected *rev.ID, rec *Record) (seq uint64, err error) {
	if err = s.check(rec.Key); err != nil {
		return 0, err
	}
	if rec.Rev.IsZero() {
		return 0, lounge_errors.Invalid("zero revision for %q", rec.Key)
	}
	start := time.Now()
	defer func() { s.observe("put", start, err) }()

	unlock, err := s.locks.Lock(ctx, rec.Key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, hist, err := s.backend.GetAllRevisions(ctx, rec.Key)
	switch {
	case errors.Is(err, lounge_errors.ErrNotFound):
		if expected != nil {
			return 0, lounge_errors.ErrConflict
		}
		cur, hist = Meta{}, nil
	case err != nil:
		return 0, lounge_errors.Driver("put", err)
	case expected == nil || *expected != cur.Rev:
		return 0, lounge_errors.ErrConflict
	}
	if rec.DocSeq != 0 && rec.DocSeq != cur.DocSeq+1 {
		return 0, lounge_errors.ErrConflict
	}

	next := &Record{
		Key:     rec.Key,
		DocSeq:  cur.DocSeq + 1,
		Deleted: rec.Deleted,
		Rev:     rec.Rev,
	}
	if expected != nil {
		next.History = make([]rev.ID, 0, len(hist)+1)
		next.History = append(next.History, cur.Rev)
		next.History = rev.Truncate(append(next.History, hist...), s.opts.MaxHistory)
	}
	if next.Body, err = compress.Pack(s.opts.Compression, rec.Body); err != nil {
		return 0, err
	}
	seq, err = s.backend.Put(ctx, expected, next)
	if err != nil {
		s.revs.Remove(rec.Key)
		return 0, lounge_errors.Driver("put", err)
	}
	next.Seq = seq
	s.revs.Add(rec.Key, next.Meta())
	rec.Seq, rec.DocSeq, rec.History = seq, next.DocSeq, next.History
	s.log.Debug("put", "store", s.name, "key", rec.Key, "rev", rec.Ref().String(), "seq", seq)
	return seq, nil
}

// Replace overwrites the current revision expected with rec, keeping the
// caller's DocSeq and History. A nil expected means the key must not exist
// yet. Replication uses it to install remote chains.
func (s *Store) Replace(ctx context.Context, expected *rev.ID, rec *Record) (seq uint64, err error) {
	if err = s.check(rec.Key); err != nil {
		return 0, err
	}
	if rec.Rev.IsZero() || rec.DocSeq == 0 {
		return 0, lounge_errors.Invalid("replace %q without revision", rec.Key)
	}
	start := time.Now()
	defer func() { s.observe("replace", start, err) }()

	unlock, err := s.locks.Lock(ctx, rec.Key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, err := s.backend.GetRevision(ctx, rec.Key)
	switch {
	case errors.Is(err, lounge_errors.ErrNotFound):
		if expected != nil {
			return 0, lounge_errors.ErrConflict
		}
	case err != nil:
		return 0, lounge_errors.Driver("replace", err)
	case expected == nil || *expected != cur.Rev:
		return 0, lounge_errors.ErrConflict
	}

	next := &Record{
		Key:     rec.Key,
		DocSeq:  rec.DocSeq,
		Deleted: rec.Deleted,
		Rev:     rec.Rev,
		History: rev.Truncate(rec.History, s.opts.MaxHistory),
	}
	if next.Body, err = compress.Pack(s.opts.Compression, rec.Body); err != nil {
		return 0, err
	}
	seq, err = s.backend.Replace(ctx, next)
	if err != nil {
		s.revs.Remove(rec.Key)
		return 0, lounge_errors.Driver("replace", err)
	}
	next.Seq = seq
	s.revs.Add(rec.Key, next.Meta())
	rec.Seq, rec.History = seq, next.History
	s.log.Debug("replace", "store", s.name, "key", rec.Key, "rev", rec.Ref().String(), "seq", seq)
	return seq, nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, lounge_errors.ErrConflict):
		result = "conflict"
	case errors.Is(err, lounge_errors.ErrDriver):
		result = "error"
		s.log.Warn("write failed", "store", s.name, "op", op, "err", err)
	default:
		result = "rejected"
	}
	WriteCount.WithLabelValues(s.name, op, result).Inc()
	WriteDuration.WithLabelValues(s.name, op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (s *Store) LastSequence() uint64 {
	return s.backend.LastSequence()
}

func (s *Store) Stat(ctx context.Context) (Stat, error) {
	if s.closed.Load() {
		return Stat{}, lounge_errors.ErrClosed
	}
	st, err := s.backend.Stat(ctx)
	return st, lounge_errors.Driver("stat", err)
}

// GetLocal reads non-replicated metadata such as checkpoints.
func (s *Store) GetLocal(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	val, err := s.backend.GetLocal(ctx, key)
	return val, lounge_errors.Driver("get_local", err)
}

func (s *Store) PutLocal(ctx context.Context, key string, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	return lounge_errors.Driver("put_local", s.backend.PutLocal(ctx, key, value))
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return lounge_errors.ErrClosed
	}
	s.revs.Purge()
	return lounge_errors.Driver("close", s.backend.Close())
}

// Delete closes the store and removes it with all its records.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.Close(); err != nil && !errors.Is(err, lounge_errors.ErrClosed) {
		return err
	}
	return lounge_errors.Driver("delete", s.env.DeleteStore(ctx, s.name))
}
