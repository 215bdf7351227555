// Package lounge is a revisioned document database. Documents are ordered
// JSON objects addressed by key; every write names the revision it
// replaces and produces a new content-addressed revision, and every write
// gets a store-wide sequence number that the change feed and replication
// follow.
package lounge

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/Memeo/lounge/codec"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"github.com/google/uuid"
)

type Options struct {
	Store  store.Options
	Codec  codec.Codec
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Codec == nil {
		o.Codec = codec.JSON{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Store.Logger == nil {
		o.Store.Logger = o.Logger
	}
	o.Store.SetDefaults()
}

type DB struct {
	st    *store.Store
	codec codec.Codec
	log   utils.Logger
}

// Document is one revision of a document as read from the database.
type Document struct {
	Key     string
	Rev     rev.Ref
	Seq     uint64
	Deleted bool
	// History lists the ancestors of Rev, newest first.
	History []rev.ID
	Body    *codec.Value
}

// Revisions is the ancestry of the document in wire form.
func (d *Document) Revisions() rev.Revisions {
	return rev.MakeRevisions(d.Rev.Gen, d.Rev.ID, d.History)
}

func Open(ctx context.Context, env store.Env, name string, flags store.OpenFlags, opts Options) (*DB, store.OpenResult, error) {
	opts.SetDefaults()
	st, res, err := store.Open(ctx, env, name, flags, opts.Store)
	if err != nil {
		return nil, res, err
	}
	return &DB{st: st, codec: opts.Codec, log: opts.Logger}, res, nil
}

func (db *DB) Name() string { return db.st.Name() }

// Store exposes the revision store for replication.
func (db *DB) Store() *store.Store { return db.st }

func (db *DB) Codec() codec.Codec { return db.codec }

func (db *DB) Close() error { return db.st.Close() }

// Reserved reports field names the database manages itself and refuses in
// document bodies.
func Reserved(key string) bool {
	return rev.Reserved(key) || key == "_revisions"
}

func validate(key string, body *codec.Value) error {
	if key == "" {
		return lounge_errors.Invalid("empty key")
	}
	if !body.IsObject() {
		return lounge_errors.Invalid("document %q is a %s, not an object", key, body.Kind())
	}
	for _, f := range body.Fields() {
		if Reserved(f.Key) {
			return lounge_errors.Invalid("reserved field %q", f.Key)
		}
	}
	return nil
}

func (db *DB) document(rec *store.Record) (*Document, error) {
	doc := &Document{
		Key:     rec.Key,
		Rev:     rec.Ref(),
		Seq:     rec.Seq,
		Deleted: rec.Deleted,
		History: rec.History,
	}
	if len(rec.Body) == 0 {
		doc.Body = codec.NewObject()
		return doc, nil
	}
	body, err := db.codec.Decode(rec.Body)
	if err != nil {
		return nil, lounge_errors.Driverf("decode", err, "document %q", rec.Key)
	}
	doc.Body = body
	return doc, nil
}

// Get returns the current revision. A deleted document is not found.
func (db *DB) Get(ctx context.Context, key string) (*Document, error) {
	rec, err := db.st.Get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, lounge_errors.ErrNotFound
	}
	return db.document(rec)
}

// GetRevision returns the document if r is its current revision or an
// ancestor of it; tombstones are returned too.
func (db *DB) GetRevision(ctx context.Context, key string, r rev.Ref) (*Document, error) {
	rec, err := db.st.Get(ctx, key, &r.ID)
	if err != nil {
		return nil, err
	}
	return db.document(rec)
}

func (db *DB) write(ctx context.Context, key string, expected *rev.Ref, body *codec.Value, deleted bool) (rev.Ref, error) {
	var parent rev.Ref
	if expected != nil {
		parent = *expected
	} else {
		cur, wasDeleted, err := db.st.CurrentRevision(ctx, key)
		switch {
		case errors.Is(err, lounge_errors.ErrNotFound):
		case err != nil:
			return rev.Ref{}, err
		case !wasDeleted:
			return rev.Ref{}, lounge_errors.ErrConflict
		default:
			// a new document over a tombstone continues its chain
			parent = cur
		}
	}
	next := rev.Next(body, parent, deleted)
	rec := &store.Record{Key: key, DocSeq: next.Gen, Rev: next.ID, Deleted: deleted}
	if !deleted {
		raw, err := db.codec.Encode(body)
		if err != nil {
			return rev.Ref{}, lounge_errors.Invalid("document %q: %v", key, err)
		}
		rec.Body = raw
	}
	var exp *rev.ID
	if !parent.IsZero() {
		exp = &parent.ID
	}
	if _, err := db.st.Put(ctx, exp, rec); err != nil {
		return rev.Ref{}, err
	}
	return next, nil
}

// Put stores body as the successor of expected, or as a new document when
// expected is nil. A stale or missing expected revision is ErrConflict.
func (db *DB) Put(ctx context.Context, key string, expected *rev.Ref, body *codec.Value) (rev.Ref, error) {
	if err := validate(key, body); err != nil {
		return rev.Ref{}, err
	}
	return db.write(ctx, key, expected, body, false)
}

// Post stores a new document under a generated, time-ordered key.
func (db *DB) Post(ctx context.Context, body *codec.Value) (string, rev.Ref, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", rev.Ref{}, err
	}
	key := id.String()
	if err := validate(key, body); err != nil {
		return "", rev.Ref{}, err
	}
	r, err := db.write(ctx, key, nil, body, false)
	return key, r, err
}

// Delete replaces the current revision with a tombstone.
func (db *DB) Delete(ctx context.Context, key string, expected rev.Ref) (rev.Ref, error) {
	if key == "" {
		return rev.Ref{}, lounge_errors.Invalid("empty key")
	}
	if expected.IsZero() {
		return rev.Ref{}, lounge_errors.Invalid("delete %q without revision", key)
	}
	return db.write(ctx, key, &expected, codec.NewObject(), true)
}

// Change is one entry of the change feed: the latest state of a document
// and the sequence it was written at.
type Change struct {
	Seq     uint64
	Key     string
	Rev     rev.Ref
	Deleted bool
}

type ChangeFilter func(c Change) bool

// Changes lists, in sequence order, every document written after since.
func (db *DB) Changes(ctx context.Context, since uint64, filter ChangeFilter) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		for rec, err := range db.st.Changes(ctx, since) {
			if err != nil {
				yield(Change{}, err)
				return
			}
			c := Change{Seq: rec.Seq, Key: rec.Key, Rev: rec.Ref(), Deleted: rec.Deleted}
			if filter != nil && !filter(c) {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (db *DB) LastSequence() uint64 { return db.st.LastSequence() }

func (db *DB) Stat(ctx context.Context) (store.Stat, error) { return db.st.Stat(ctx) }
