package lounge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

type HostOptions struct {
	Driver store.Driver
	Path   string
	// MaxOpen bounds the databases kept open; the least recently used one
	// is closed when a new one is needed. Handles to a closed database
	// fail with ErrClosed.
	MaxOpen int
	DB      Options
	Logger  utils.Logger
}

func (o *HostOptions) SetDefaults() {
	if o.MaxOpen <= 0 {
		o.MaxOpen = 64
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.DB.Logger == nil {
		o.DB.Logger = o.Logger
	}
}

// Host is one storage environment holding many named databases.
type Host struct {
	env  store.Env
	opts HostOptions
	log  utils.Logger

	mu  sync.Mutex
	dbs *lru.Cache[string, *DB]
}

func OpenHost(ctx context.Context, opts HostOptions) (*Host, error) {
	opts.SetDefaults()
	if opts.Driver == nil {
		return nil, lounge_errors.Invalid("host without driver")
	}
	env, err := opts.Driver.OpenEnv(ctx, opts.Path)
	if err != nil {
		return nil, lounge_errors.Driver("open_env", err)
	}
	h := &Host{env: env, opts: opts, log: opts.Logger}
	h.dbs, err = lru.NewWithEvict[string, *DB](opts.MaxOpen, func(name string, db *DB) {
		if err := db.Close(); err != nil && !errors.Is(err, lounge_errors.ErrClosed) {
			h.log.Warn("closing evicted database", "db", name, "err", err)
		}
	})
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) Env() store.Env { return h.env }

// DB returns the named database, opening it (and with create, creating
// it) on first use.
func (h *Host) DB(ctx context.Context, name string, create bool) (*DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if db, ok := h.dbs.Get(name); ok {
		return db, nil
	}
	db, res, err := Open(ctx, h.env, name, store.OpenFlags{Create: create}, h.opts.DB)
	if err != nil {
		return nil, err
	}
	h.log.Info("database open", "db", name, "result", res.String())
	h.dbs.Add(name, db)
	return db, nil
}

// DeleteDB closes and removes the named database.
func (h *Host) DeleteDB(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dbs.Remove(name)
	return h.env.DeleteStore(ctx, name)
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dbs.Purge()
	return h.env.Close()
}
