package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/codec"
	"github.com/Memeo/lounge/compress"
	"github.com/Memeo/lounge/drivers"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/replication"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
)

// app is the state shared by the subcommands and the REPL.
type app struct {
	cfg  *config
	log  utils.Logger
	host *lounge.Host
}

var resolvers = map[string]replication.Resolver{
	"mine":   replication.ResolveMine,
	"theirs": replication.ResolveTheirs,
}

func openApp(ctx context.Context, cfg *config) (*app, error) {
	log := utils.NewDefaultLogger(utils.ParseLevel(cfg.LogLevel))
	drv, err := drivers.Lookup(cfg.Driver, drivers.Config{
		NoSync:    cfg.NoSync,
		CacheSize: cfg.CacheSize,
		PageSize:  cfg.PageSize,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	kind, err := compress.ParseKind(cfg.Compression)
	if err != nil {
		return nil, err
	}
	host, err := lounge.OpenHost(ctx, lounge.HostOptions{
		Driver:  drv,
		Path:    cfg.Path,
		MaxOpen: cfg.MaxOpen,
		Logger:  log,
		DB: lounge.Options{
			Store: store.Options{MaxHistory: cfg.MaxHistory, Compression: kind, Logger: log},
		},
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, host: host}, nil
}

func (a *app) Close() error {
	return a.host.Close()
}

func (a *app) db(ctx context.Context) (*lounge.DB, error) {
	return a.host.DB(ctx, a.cfg.DB, true)
}

func parseRev(s string) (*rev.Ref, error) {
	if s == "" {
		return nil, nil
	}
	r, err := rev.ParseRef(s)
	if err != nil {
		return nil, lounge_errors.Invalid("revision %q", s)
	}
	return &r, nil
}

func (a *app) get(ctx context.Context, w io.Writer, key, revText string) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	r, err := parseRev(revText)
	if err != nil {
		return err
	}
	var doc *lounge.Document
	if r != nil {
		doc, err = db.GetRevision(ctx, key, *r)
	} else {
		doc, err = db.Get(ctx, key)
	}
	if err != nil {
		return err
	}
	out, err := replication.EncodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}

func (a *app) put(ctx context.Context, w io.Writer, key, revText, body string) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	parent, err := parseRev(revText)
	if err != nil {
		return err
	}
	val, err := codec.ParseJSON([]byte(body))
	if err != nil {
		return lounge_errors.Invalid("%v", err)
	}
	var r rev.Ref
	if key == "" {
		key, r, err = db.Post(ctx, val)
	} else {
		r, err = db.Put(ctx, key, parent, val)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", key, r)
	return err
}

func (a *app) delete(ctx context.Context, w io.Writer, key, revText string) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	parent, err := parseRev(revText)
	if err != nil {
		return err
	}
	if parent == nil {
		return lounge_errors.Invalid("delete needs --rev")
	}
	r, err := db.Delete(ctx, key, *parent)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", key, r)
	return err
}

func (a *app) changes(ctx context.Context, w io.Writer, since uint64, prefix string) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	var filter lounge.ChangeFilter
	if prefix != "" {
		filter = lounge.KeyPrefix(prefix)
	}
	for c, err := range db.Changes(ctx, since, filter) {
		if err != nil {
			return err
		}
		del := ""
		if c.Deleted {
			del = " deleted"
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s%s\n", c.Seq, c.Key, c.Rev, del); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) stat(ctx context.Context, w io.Writer) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	st, err := db.Stat(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "db\t%s\ndocuments\t%d\nsize\t%d\nlast_seq\t%d\n",
		db.Name(), st.DocumentCount, st.ApproximateSize, st.LastSequence)
	return err
}

// remote resolves a pull source: local:<name> is another database of this
// host, anything else an http(s) URL.
func (a *app) remote(ctx context.Context, source string) (replication.Remote, error) {
	if name, ok := strings.CutPrefix(source, "local:"); ok {
		db, err := a.host.DB(ctx, name, false)
		if err != nil {
			return nil, err
		}
		return replication.NewLocalRemote(db, nil), nil
	}
	return replication.NewHTTPRemote(source, nil)
}

type pullFlags struct {
	continuous bool
	filter     string
	resolve    string
}

func (a *app) pull(ctx context.Context, w io.Writer, source string, pf pullFlags) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	resolver, ok := resolvers[pf.resolve]
	if !ok {
		return lounge_errors.Invalid("resolver %q", pf.resolve)
	}
	remote, err := a.remote(ctx, source)
	if err != nil {
		return err
	}
	p := replication.NewPuller(db, remote, replication.Options{
		Continuous:   pf.continuous,
		Filter:       pf.filter,
		Resolver:     resolver,
		PollInterval: a.cfg.PollInterval,
		Logger:       a.log,
	})
	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := p.Stats()
	_, _ = fmt.Fprintf(w, "replication %s: checkpoint %q, %d cycles\n", p.ID(), p.Checkpoint(), stats.Cycles)
	for o := replication.UpToDate; o <= replication.Skipped; o++ {
		if n := stats.Changes[o]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s\t%d\n", o, n)
		}
	}
	return err
}
