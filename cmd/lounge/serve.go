package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Memeo/lounge/drivers/pebbledb"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/replication"
	"github.com/Memeo/lounge/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *app) registry(backend store.Backend) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(store.Collectors()...)
	reg.MustRegister(replication.Collectors()...)
	if pb, ok := backend.(*pebbledb.Backend); ok {
		reg.MustRegister(pb.Collector())
	}
	return reg
}

// serve exposes the configured database at /{db}/ and metrics at /metrics
// until ctx ends.
func (a *app) serve(ctx context.Context) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	if a.cfg.DB == "metrics" {
		return lounge_errors.Invalid("database name %q is taken by the metrics endpoint", a.cfg.DB)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry(db.Store().Backend()), promhttp.HandlerOpts{}))
	prefix := "/" + a.cfg.DB
	mux.Handle(prefix+"/", http.StripPrefix(prefix, replication.NewFeedHandler(db, nil, a.log)))

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	a.log.Info("serving", "addr", a.cfg.Listen, "db", a.cfg.DB)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
