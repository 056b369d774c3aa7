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

// Package room owns the live rooms: a registry that creates them on
// demand and the per-room tasks that serialize all document access.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/protocol"
	"github.com/coscribe/coscribe/lib/utils"
)

var (
	roomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Number of rooms with a running task",
		},
	)
	opsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ops_accepted_total",
			Help: "Number of operations accepted and applied",
		},
	)
	opsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_rejected_total",
			Help: "Number of operations rejected, by reason",
		},
		[]string{"reason"},
	)
	snapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_snapshots_total",
			Help: "Number of snapshots persisted",
		},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_failures_total",
			Help: "Number of backend writes that failed",
		},
	)
	persistDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_queue_dropped_total",
			Help: "Number of persistence jobs dropped on queue overflow",
		},
	)
	roomPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_panics_total",
			Help: "Number of room tasks that terminated on a panic",
		},
	)
)

// Config holds the room manager configuration.
type Config struct {
	// Backend persists snapshots and operation tails.
	Backend backend.Backend

	// Clock drives eviction timers and snapshot intervals.
	Clock clockwork.Clock

	// Durable makes operation appends complete before the submitter is
	// acknowledged. Off by default: appends flow through the async
	// persist queue.
	Durable bool

	// HistoryWindow is how many accepted operations each room retains
	// for transforming and syncing late arrivals.
	HistoryWindow int

	// DedupeCacheSize is how many accepted operation ids each room
	// remembers for idempotent resubmission.
	DedupeCacheSize int

	// MailboxSize bounds each room's command mailbox.
	MailboxSize int

	// PersistQueueLen bounds each room's async persistence queue.
	PersistQueueLen int

	// SnapshotEveryOps cuts a snapshot after this many accepted
	// operations.
	SnapshotEveryOps int

	// SnapshotInterval cuts a snapshot after this much time, when the
	// room has accepted anything since the last one.
	SnapshotInterval time.Duration

	// IdleEviction is how long an empty room lingers before its task
	// exits.
	IdleEviction time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaults.HistoryWindow
	}
	if c.DedupeCacheSize <= 0 {
		c.DedupeCacheSize = defaults.DedupeCacheSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaults.MailboxSize
	}
	if c.PersistQueueLen <= 0 {
		c.PersistQueueLen = defaults.PersistQueueLen
	}
	if c.SnapshotEveryOps <= 0 {
		c.SnapshotEveryOps = defaults.SnapshotEveryOps
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaults.SnapshotInterval
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = defaults.RoomIdleEviction
	}
	return nil
}

// Manager is the room registry. It creates rooms lazily on join,
// routes commands to their mailboxes and forgets rooms whose tasks
// exited. All methods are safe for concurrent use.
type Manager struct {
	cfg Config
	log *logrus.Entry

	// closeCtx cancels backend I/O once every room task has exited.
	closeCtx context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a room manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := utils.RegisterPrometheusCollectors(
		roomsActive, opsAccepted, opsRejected, snapshotsTotal,
		persistFailures, persistDropped, roomPanics,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			coscribe.ComponentKey: coscribe.ComponentRoom,
		}),
		closeCtx: closeCtx,
		cancel:   cancel,
		rooms:    make(map[string]*Room),
	}, nil
}

// Join adds the session to the room, creating the room if needed. The
// outcome is delivered to the subscriber as a JOIN_ROOM_ACK (or a
// kick); a nil return only means the command was accepted.
func (m *Manager) Join(ctx context.Context, roomID, clientID, userID string, seq int64, sub Subscriber) error {
	cmd := joinCmd{clientID: clientID, userID: userID, seq: seq, sub: sub}
	// Joining can race an eviction: the room task exits right after
	// the registry handed it out. The eviction removes the room first,
	// so one retry lands in a fresh room.
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.getOrCreate(roomID)
		if err != nil {
			return trace.Wrap(err)
		}
		err = r.send(ctx, cmd)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRoomClosed) {
			return trace.Wrap(err)
		}
	}
	return trace.ConnectionProblem(nil, "room %q is closing, retry the join", roomID)
}

// Leave removes the session's client from the room. Absent rooms are
// fine: there is nothing to leave.
func (m *Manager) Leave(ctx context.Context, roomID, clientID string, sub Subscriber) error {
	return m.route(ctx, roomID, leaveCmd{clientID: clientID, sub: sub}, true)
}

// SessionClosed reports a dead session to the room it was in.
func (m *Manager) SessionClosed(ctx context.Context, roomID, clientID string, sub Subscriber) error {
	return m.route(ctx, roomID, closedCmd{clientID: clientID, sub: sub}, true)
}

// SubmitOp routes an operation to its room. Acceptance, rejection and
// broadcasts are all delivered through the subscribers.
func (m *Manager) SubmitOp(ctx context.Context, roomID, clientID string, op ot.Operation, seq int64, sub Subscriber) error {
	return m.route(ctx, roomID, submitCmd{clientID: clientID, op: op, seq: seq, sub: sub}, false)
}

// UpdateCursor routes advisory cursor state to the room.
func (m *Manager) UpdateCursor(ctx context.Context, roomID, clientID string, cursor *protocol.Cursor, selection *protocol.Selection, sub Subscriber) error {
	return m.route(ctx, roomID, cursorCmd{clientID: clientID, cursor: cursor, selection: selection, sub: sub}, false)
}

// RequestSync asks the room for the operations accepted since
// fromVersion, or a full snapshot.
func (m *Manager) RequestSync(ctx context.Context, roomID, clientID string, fromVersion *int64, seq int64, sub Subscriber) error {
	return m.route(ctx, roomID, syncCmd{clientID: clientID, fromVersion: fromVersion, seq: seq, sub: sub}, false)
}

// route delivers cmd to an existing room. When missingOK is set a
// missing or closing room is a no-op; otherwise it is NotFound, which
// sessions report as an internal error since they believed themselves
// joined.
func (m *Manager) route(ctx context.Context, roomID string, cmd command, missingOK bool) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		if missingOK {
			return nil
		}
		return trace.NotFound("room %q is not active", roomID)
	}
	err := r.send(ctx, cmd)
	if err != nil && errors.Is(err, errRoomClosed) {
		if missingOK {
			return nil
		}
		return trace.NotFound("room %q is not active", roomID)
	}
	return trace.Wrap(err)
}

// RoomInfo returns a live room's state, or NotFound when the room has
// no running task.
func (m *Manager) RoomInfo(ctx context.Context, roomID string) (*Info, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("room %q is not active", roomID)
	}
	reply := make(chan Info, 1)
	if err := r.send(ctx, infoCmd{reply: reply}); err != nil {
		if errors.Is(err, errRoomClosed) {
			return nil, trace.NotFound("room %q is not active", roomID)
		}
		return nil, trace.Wrap(err)
	}
	select {
	case info := <-reply:
		return &info, nil
	case <-r.done:
		return nil, trace.NotFound("room %q is not active", roomID)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Shutdown stops every room: subscribers are kicked with the shutdown
// reason and final snapshots are flushed. It returns once all room
// tasks exited or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		// A room that already exited is fine.
		if err := r.send(ctx, stopCmd{}); err != nil && !errors.Is(err, errRoomClosed) {
			return trace.Wrap(err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		// Unstick any backend call still holding a room task.
		m.cancel()
		return trace.Wrap(ctx.Err())
	}
}

func (m *Manager) getOrCreate(roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, trace.ConnectionProblem(nil, "room manager is shutting down")
	}
	if r, ok := m.rooms[roomID]; ok {
		return r, nil
	}
	r := newRoom(m, roomID)
	m.rooms[roomID] = r
	roomsActive.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.run()
	}()
	return r, nil
}

func (m *Manager) removeRoom(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.id]; ok && cur == r {
		delete(m.rooms, r.id)
	}
}

func (m *Manager) roomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
