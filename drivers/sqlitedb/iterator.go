package sqlitedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/store"
	"gorm.io/gorm"
)

// iterator pages through rows ordered by seq inside one read transaction,
// so it sees the store as it was when opened. It holds a reader
// connection until Close.
type iterator struct {
	tx       *gorm.DB
	pageSize int
	cursor   uint64
	page     []docRow
	pos      int
	done     bool
	closed   bool
	rec      *store.Record
	err      error
}

func (b *Backend) Iterator(ctx context.Context, since uint64) (store.RecordIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := b.rdb.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, lounge_errors.Driver("iterator", tx.Error)
	}
	// the snapshot is taken by the first read, not by BEGIN
	var last uint64
	if err := tx.Model(&docRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		tx.Rollback()
		return nil, lounge_errors.Driver("iterator", err)
	}
	return &iterator{tx: tx, pageSize: b.pageSize, cursor: since, done: last <= since}, nil
}

func (i *iterator) fetch() {
	i.page = i.page[:0]
	i.pos = 0
	err := i.tx.Where("seq > ?", i.cursor).
		Order("seq").
		Limit(i.pageSize).
		Find(&i.page).Error
	if err != nil {
		i.err = lounge_errors.Driver("iterate", err)
		return
	}
	if len(i.page) < i.pageSize {
		i.done = true
	}
}

func (i *iterator) Next() bool {
	if i.err != nil || i.closed {
		return false
	}
	if i.pos >= len(i.page) {
		if i.done {
			i.rec = nil
			return false
		}
		i.fetch()
		if i.err != nil || len(i.page) == 0 {
			i.rec = nil
			return false
		}
	}
	row := &i.page[i.pos]
	i.pos++
	i.cursor = row.Seq
	rec, err := row.record()
	if err != nil {
		i.err = err
		return false
	}
	i.rec = rec
	return true
}

func (i *iterator) Record() *store.Record { return i.rec }

func (i *iterator) Err() error { return i.err }

func (i *iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.page = nil
	err := i.tx.Rollback().Error
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return lounge_errors.Driver("iterator", err)
}
