/*
Copyright 2025 Coscribe, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service assembles and runs one coscribe server process:
// storage backend, room registry, HTTP front door and their ordered
// shutdown.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/backend/lite"
	"github.com/coscribe/coscribe/lib/backend/memory"
	"github.com/coscribe/coscribe/lib/backend/pgbk"
	"github.com/coscribe/coscribe/lib/backend/redisbk"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/room"
	"github.com/coscribe/coscribe/lib/session"
	"github.com/coscribe/coscribe/lib/web"
)

// Config holds the process configuration, assembled from defaults, the
// config file and CLI flags.
type Config struct {
	// ListenAddr is the address the HTTP listener binds to.
	ListenAddr string

	// Storage selects and parameterizes the persistence backend.
	Storage backend.Config

	// Durable makes rooms persist accepted operations before
	// acknowledging them.
	Durable bool

	// HistoryWindow is how many accepted operations each room retains.
	HistoryWindow int

	// SnapshotEveryOps cuts a persistence snapshot after this many
	// accepted operations.
	SnapshotEveryOps int

	// SnapshotInterval cuts a persistence snapshot after this much
	// time when the room changed.
	SnapshotInterval time.Duration

	// IdleEviction is how long an empty room lingers before its task
	// exits.
	IdleEviction time.Duration

	// Session holds the per-connection tunables.
	Session session.Params

	// Clock drives every timer in the process.
	Clock clockwork.Clock

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.Storage.Type == "" {
		c.Storage.Type = coscribe.BackendMemory
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return trace.Wrap(c.Session.CheckAndSetDefaults())
}

// Process is one assembled coscribe server. New binds the listener, so
// a second process on the same address fails fast; Run serves until
// the context is cancelled.
type Process struct {
	cfg      Config
	log      *logrus.Entry
	backend  backend.Backend
	rooms    *room.Manager
	listener net.Listener
	server   *http.Server
}

// New builds the process: opens the storage backend, creates the room
// registry and the web handler, and binds the listener.
func New(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := logrus.WithField(coscribe.ComponentKey, coscribe.ComponentService)

	bk, err := NewBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rooms, err := room.NewManager(room.Config{
		Backend:          bk,
		Clock:            cfg.Clock,
		Durable:          cfg.Durable,
		HistoryWindow:    cfg.HistoryWindow,
		SnapshotEveryOps: cfg.SnapshotEveryOps,
		SnapshotInterval: cfg.SnapshotInterval,
		IdleEviction:     cfg.IdleEviction,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Rooms:   rooms,
		Backend: bk,
		Clock:   cfg.Clock,
		Session: cfg.Session,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err, "binding %v", cfg.ListenAddr)
	}

	return &Process{
		cfg:      cfg,
		log:      log,
		backend:  bk,
		rooms:    rooms,
		listener: listener,
		server:   &http.Server{Handler: handler},
	}, nil
}

// Addr is the bound listener address, useful with a ":0" listen
// address.
func (p *Process) Addr() net.Addr {
	return p.listener.Addr()
}

// Run serves until ctx is cancelled, then shuts down in order: the
// HTTP server stops accepting, sessions are told to go away through
// their request contexts, rooms flush their final snapshots, and the
// backend closes.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Hijacked websocket connections outlive the HTTP handler
	// machinery; deriving every request context from ctx is what lets
	// shutdown reach them.
	p.server.BaseContext = func(net.Listener) context.Context { return ctx }

	p.log.WithFields(logrus.Fields{
		"addr":    p.listener.Addr().String(),
		"storage": p.cfg.Storage.Type,
		"durable": p.cfg.Durable,
	}).Info("Coscribe is listening.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.server.Serve(p.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	})
	g.Go(func() error {
		<-gctx.Done()
		return trace.Wrap(p.shutdown())
	})
	return trace.Wrap(g.Wait())
}

// Close tears the process down without waiting for a Run context; used
// when New succeeded but Run never started.
func (p *Process) Close() error {
	var errs []error
	if err := p.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	shCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.rooms.Shutdown(shCtx); err != nil {
		errs = append(errs, err)
	}
	if err := p.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

func (p *Process) shutdown() error {
	p.log.Info("Shutting down.")
	shCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	// Stops accepting and waits for plain HTTP requests. Websocket
	// sessions are not waited on here: their contexts are already
	// cancelled and the room shutdown below kicks any stragglers.
	if err := p.server.Shutdown(shCtx); err != nil {
		errs = append(errs, err)
	}
	if err := p.rooms.Shutdown(shCtx); err != nil {
		errs = append(errs, err)
	}
	if err := p.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

// NewBackend builds the configured storage backend, wrapped in the
// reporter that meters operation latencies and failures.
func NewBackend(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	var (
		bk  backend.Backend
		err error
	)
	switch cfg.Type {
	case "", coscribe.BackendMemory:
		bk = memory.New()
	case coscribe.BackendLite:
		bk, err = lite.New(ctx, cfg.Params)
	case coscribe.BackendPostgres:
		bk, err = pgbk.New(ctx, cfg.Params)
	case coscribe.BackendRedis:
		bk, err = redisbk.New(ctx, cfg.Params)
	default:
		return nil, trace.BadParameter("unsupported storage type %q, use one of: memory, sqlite, postgres, redis", cfg.Type)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return backend.NewReporter(bk)
}
