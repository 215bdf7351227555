package store

import (
	"context"

	"github.com/Memeo/lounge/rev"
)

type OpenFlags struct {
	Create    bool
	Exclusive bool
}

type OpenResult byte

const (
	Opened OpenResult = iota
	Created
)

func (r OpenResult) String() string {
	if r == Created {
		return "created"
	}
	return "opened"
}

// Driver opens storage environments. Implementations live under drivers/
// and are passed to Open explicitly.
type Driver interface {
	Name() string
	OpenEnv(ctx context.Context, path string) (Env, error)
}

// Env hosts any number of named stores.
type Env interface {
	// OpenStore fails with ErrNotFound when the store is missing and
	// flags.Create is unset, and with ErrAlreadyExists when it exists and
	// flags.Exclusive is set.
	OpenStore(ctx context.Context, name string, flags OpenFlags) (Backend, OpenResult, error)
	DeleteStore(ctx context.Context, name string) error
	Close() error
}

type Stat struct {
	DocumentCount   uint64
	ApproximateSize uint64
	LastSequence    uint64
}

// Backend is one open store. Get and the revision getters report a missing
// key with ErrNotFound. Put and Replace assign the record a fresh sequence
// number, write it and return the number; sequence order equals commit
// order. Bodies are opaque to the backend.
type Backend interface {
	Get(ctx context.Context, key string) (*Record, error)
	GetRevision(ctx context.Context, key string) (Meta, error)
	GetAllRevisions(ctx context.Context, key string) (Meta, []rev.ID, error)
	// Put writes only if the stored current revision equals expected, or
	// if expected is nil and the key is absent. Otherwise ErrConflict.
	Put(ctx context.Context, expected *rev.ID, rec *Record) (uint64, error)
	Replace(ctx context.Context, rec *Record) (uint64, error)
	LastSequence() uint64
	Stat(ctx context.Context) (Stat, error)
	// Iterator walks records with Seq > since in sequence order over a
	// point-in-time view.
	Iterator(ctx context.Context, since uint64) (RecordIterator, error)
	GetLocal(ctx context.Context, key string) ([]byte, error)
	PutLocal(ctx context.Context, key string, value []byte) error
	Close() error
}

type RecordIterator interface {
	Next() bool
	Record() *Record
	Err() error
	Close() error
}
