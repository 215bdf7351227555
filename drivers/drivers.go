// Package drivers maps configured driver names onto storage drivers.
package drivers

import (
	"fmt"
	"sort"

	"github.com/Memeo/lounge/drivers/pebbledb"
	"github.com/Memeo/lounge/drivers/sqlitedb"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
)

type Config struct {
	NoSync    bool
	CacheSize int64
	PageSize  int
	Logger    utils.Logger
}

var table = map[string]func(Config) store.Driver{
	"pebble": func(c Config) store.Driver {
		return pebbledb.New(pebbledb.Options{NoSync: c.NoSync, CacheSize: c.CacheSize, Logger: c.Logger})
	},
	"memory": func(c Config) store.Driver {
		return pebbledb.NewMem(pebbledb.Options{CacheSize: c.CacheSize, Logger: c.Logger})
	},
	"sqlite": func(c Config) store.Driver {
		return sqlitedb.New(sqlitedb.Options{PageSize: c.PageSize, Logger: c.Logger})
	},
}

// Lookup builds the driver registered under name.
func Lookup(name string, cfg Config) (store.Driver, error) {
	mk, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", lounge_errors.ErrNoSuchDriver, name)
	}
	return mk(cfg), nil
}

func Names() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
