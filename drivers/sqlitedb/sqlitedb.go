// Package sqlitedb keeps each lounge store in its own SQLite file, accessed
// through gorm.
package sqlitedb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const fileSuffix = ".sqlite"

// WAL lets iterators read a snapshot while the writer commits.
const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000"

type Options struct {
	// PageSize is the number of rows an iterator fetches per query.
	PageSize   int
	// MaxReaders bounds the connections held by open iterators.
	MaxReaders int
	Logger     utils.Logger
}

func (o *Options) SetDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 256
	}
	if o.MaxReaders <= 0 {
		o.MaxReaders = 4
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type docRow struct {
	DocKey  string `gorm:"column:doc_key;primaryKey"`
	Seq     uint64 `gorm:"column:seq;uniqueIndex;not null"`
	DocSeq  uint64 `gorm:"column:doc_seq;not null"`
	Deleted bool   `gorm:"column:deleted;not null"`
	Rev     []byte `gorm:"column:rev;not null"`
	History []byte `gorm:"column:history"`
	Body    []byte `gorm:"column:body"`
}

func (docRow) TableName() string { return "docs" }

type localRow struct {
	LocalKey string `gorm:"column:local_key;primaryKey"`
	Value    []byte `gorm:"column:value"`
}

func (localRow) TableName() string { return "locals" }

func (r *docRow) record() (*store.Record, error) {
	rec := &store.Record{Key: r.DocKey, Seq: r.Seq, DocSeq: r.DocSeq, Deleted: r.Deleted, Body: r.Body}
	if len(r.Rev) != len(rec.Rev) || len(r.History)%len(rec.Rev) != 0 {
		return nil, lounge_errors.Malformed("row %q", r.DocKey)
	}
	copy(rec.Rev[:], r.Rev)
	rec.History = make([]rev.ID, len(r.History)/len(rec.Rev))
	for i := range rec.History {
		copy(rec.History[i][:], r.History[i*len(rec.Rev):])
	}
	return rec, nil
}

func rowOf(rec *store.Record, seq uint64) *docRow {
	row := &docRow{
		DocKey:  rec.Key,
		Seq:     seq,
		DocSeq:  rec.DocSeq,
		Deleted: rec.Deleted,
		Rev:     append([]byte(nil), rec.Rev[:]...),
		History: make([]byte, 0, len(rec.History)*len(rec.Rev)),
		Body:    rec.Body,
	}
	for _, h := range rec.History {
		row.History = append(row.History, h[:]...)
	}
	return row
}

type Driver struct {
	opts Options
}

var _ store.Driver = (*Driver)(nil)

func New(opts Options) *Driver {
	opts.SetDefaults()
	return &Driver{opts: opts}
}

func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) OpenEnv(ctx context.Context, path string) (store.Env, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, lounge_errors.Driverf("open_env", err, "mkdir %s", path)
	}
	return &Env{path: path, opts: d.opts, open: make(map[string]*Backend)}, nil
}

type Env struct {
	path string
	opts Options
	mu   sync.Mutex
	open map[string]*Backend
}

func (e *Env) file(name string) string {
	return filepath.Join(e.path, name+fileSuffix)
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
	file := e.file(name)
	res := store.Opened
	_, err := os.Stat(file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if !flags.Create {
			return nil, res, lounge_errors.ErrNotFound
		}
		res = store.Created
	case err != nil:
		return nil, res, lounge_errors.Driver("open_store", err)
	case flags.Create && flags.Exclusive:
		return nil, res, lounge_errors.ErrAlreadyExists
	}

	db, err := gorm.Open(sqlite.Open(file+dsnParams), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, res, lounge_errors.Driverf("open_store", err, "store %s", name)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, res, lounge_errors.Driver("open_store", err)
	}
	// one connection keeps sequence order equal to commit order
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&docRow{}, &localRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, res, lounge_errors.Driver("migrate", err)
	}
	rdb, err := gorm.Open(sqlite.Open(file+dsnParams), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		_ = sqlDB.Close()
		return nil, res, lounge_errors.Driverf("open_store", err, "store %s readers", name)
	}
	readers, err := rdb.DB()
	if err != nil {
		_ = sqlDB.Close()
		return nil, res, lounge_errors.Driver("open_store", err)
	}
	readers.SetMaxOpenConns(e.opts.MaxReaders)
	b := &Backend{env: e, name: name, file: file, db: db, rdb: rdb, log: e.opts.Logger, pageSize: e.opts.PageSize}
	var last uint64
	if err := db.Model(&docRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		_ = b.closeDB()
		return nil, res, lounge_errors.Driver("open_store", err)
	}
	b.lastSeq.Store(last)
	e.open[name] = b
	b.log.Debug("sqlite store open", "store", name, "result", res.String(), "last_seq", last)
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
	err := os.Remove(e.file(name))
	if errors.Is(err, os.ErrNotExist) {
		return lounge_errors.ErrNotFound
	}
	for _, aux := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(e.file(name) + aux)
	}
	return lounge_errors.Driver("delete_store", err)
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
	return lounge_errors.Driver("close_env", first)
}

type Backend struct {
	env      *Env
	name     string
	file     string
	db       *gorm.DB
	// rdb serves iterators, each holding a read transaction
	rdb      *gorm.DB
	log      utils.Logger
	pageSize int

	seqMu   sync.Mutex
	lastSeq atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

var _ store.Backend = (*Backend)(nil)

func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	var row docRow
	err := b.db.WithContext(ctx).Where("doc_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lounge_errors.ErrNotFound
	}
	if err != nil {
		return nil, lounge_errors.Driver("get", err)
	}
	return row.record()
}

func (b *Backend) GetRevision(ctx context.Context, key string) (store.Meta, error) {
	var row docRow
	err := b.db.WithContext(ctx).Select("doc_key", "seq", "doc_seq", "deleted", "rev").
		Where("doc_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Meta{}, lounge_errors.ErrNotFound
	}
	if err != nil {
		return store.Meta{}, lounge_errors.Driver("get_revision", err)
	}
	rec, err := row.record()
	if err != nil {
		return store.Meta{}, err
	}
	return rec.Meta(), nil
}

func (b *Backend) GetAllRevisions(ctx context.Context, key string) (store.Meta, []rev.ID, error) {
	var row docRow
	err := b.db.WithContext(ctx).Select("doc_key", "seq", "doc_seq", "deleted", "rev", "history").
		Where("doc_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Meta{}, nil, lounge_errors.ErrNotFound
	}
	if err != nil {
		return store.Meta{}, nil, lounge_errors.Driver("get_all_revisions", err)
	}
	rec, err := row.record()
	if err != nil {
		return store.Meta{}, nil, err
	}
	return rec.Meta(), rec.History, nil
}

func (b *Backend) Put(ctx context.Context, expected *rev.ID, rec *store.Record) (uint64, error) {
	return b.write(ctx, rec, func(prev *docRow) error {
		switch {
		case prev == nil && expected == nil:
			return nil
		case prev == nil || expected == nil || string(prev.Rev) != string(expected[:]):
			return lounge_errors.ErrConflict
		}
		return nil
	})
}

func (b *Backend) Replace(ctx context.Context, rec *store.Record) (uint64, error) {
	return b.write(ctx, rec, nil)
}

func (b *Backend) write(ctx context.Context, rec *store.Record, check func(prev *docRow) error) (uint64, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	seq := b.lastSeq.Load() + 1
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev docRow
		err := tx.Select("doc_key", "rev").Where("doc_key = ?", rec.Key).Take(&prev).Error
		var prevp *docRow
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			prevp = &prev
		}
		if check != nil {
			if err := check(prevp); err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			UpdateAll: true,
		}).Create(rowOf(rec, seq)).Error
	})
	if err != nil {
		return 0, lounge_errors.Driver("put", err)
	}
	b.lastSeq.Store(seq)
	return seq, nil
}

func (b *Backend) LastSequence() uint64 {
	return b.lastSeq.Load()
}

func (b *Backend) Stat(ctx context.Context) (store.Stat, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&docRow{}).Count(&count).Error; err != nil {
		return store.Stat{}, lounge_errors.Driver("stat", err)
	}
	st := store.Stat{DocumentCount: uint64(count), LastSequence: b.lastSeq.Load()}
	if fi, err := os.Stat(b.file); err == nil {
		st.ApproximateSize = uint64(fi.Size())
	}
	return st, nil
}

func (b *Backend) GetLocal(ctx context.Context, key string) ([]byte, error) {
	var row localRow
	err := b.db.WithContext(ctx).Where("local_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lounge_errors.ErrNotFound
	}
	if err != nil {
		return nil, lounge_errors.Driver("get_local", err)
	}
	return row.Value, nil
}

func (b *Backend) PutLocal(ctx context.Context, key string, value []byte) error {
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "local_key"}},
		UpdateAll: true,
	}).Create(&localRow{LocalKey: key, Value: value}).Error
	return lounge_errors.Driver("put_local", err)
}

func (b *Backend) closeDB() error {
	b.closeOnce.Do(func() {
		for _, db := range []*gorm.DB{b.rdb, b.db} {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.Close()
			}
			if err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}

func (b *Backend) Close() error {
	b.env.mu.Lock()
	delete(b.env.open, b.name)
	b.env.mu.Unlock()
	return lounge_errors.Driver("close", b.closeDB())
}
