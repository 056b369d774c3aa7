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

package room

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/protocol"
)

// errRoomClosed reports a command sent to a room whose task already
// exited. Join is the only command the manager retries on it.
var errRoomClosed = &trace.CompareFailedError{Message: "room task has exited"}

// command is the sealed set of mailbox messages a room task drains.
type command interface {
	command()
}

type joinCmd struct {
	clientID string
	userID   string
	seq      int64
	sub      Subscriber
}

type leaveCmd struct {
	clientID string
	sub      Subscriber
}

type submitCmd struct {
	clientID string
	op       ot.Operation
	seq      int64
	sub      Subscriber
}

type cursorCmd struct {
	clientID  string
	cursor    *protocol.Cursor
	selection *protocol.Selection
	sub       Subscriber
}

type syncCmd struct {
	clientID    string
	fromVersion *int64
	seq         int64
	sub         Subscriber
}

// closedCmd reports a dead session. Unlike leaveCmd it is only honored
// while the session still owns the clientId, so a preempted session's
// late disconnect cannot remove its successor.
type closedCmd struct {
	clientID string
	sub      Subscriber
}

type infoCmd struct {
	reply chan<- Info
}

type stopCmd struct{}

func (joinCmd) command()   {}
func (leaveCmd) command()  {}
func (submitCmd) command() {}
func (cursorCmd) command() {}
func (syncCmd) command()   {}
func (closedCmd) command() {}
func (infoCmd) command()   {}
func (stopCmd) command()   {}

// Info is a point-in-time view of a live room, served by the debug
// endpoint.
type Info struct {
	RoomID       string      `json:"roomId"`
	Content      string      `json:"content"`
	Version      int64       `json:"version"`
	ContentRunes int         `json:"contentRunes"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Participants []PartyInfo `json:"participants"`
}

// Room is one collaborative document. A single goroutine (the room
// task) owns all mutable state and drains the mailbox, so the engine
// and the party map need no locking; everything else talks to the room
// through send.
type Room struct {
	id    string
	m     *Manager
	log   *logrus.Entry
	clock clockwork.Clock

	mailbox chan command
	// done is closed when the room task exits. Senders select on it so
	// a dying room never strands them.
	done chan struct{}

	// Owned by the room task.
	engine          *ot.Engine
	parties         map[string]*party
	persist         *persister
	lastSnapVersion int64
	panicked        bool
	createdAt       time.Time
	lastActivity    time.Time
}

func newRoom(m *Manager, roomID string) *Room {
	now := m.cfg.Clock.Now()
	return &Room{
		id:           roomID,
		m:            m,
		log:          m.log.WithField("room", roomID),
		clock:        m.cfg.Clock,
		mailbox:      make(chan command, m.cfg.MailboxSize),
		done:         make(chan struct{}),
		parties:      make(map[string]*party),
		persist:      newPersister(m, roomID),
		createdAt:    now,
		lastActivity: now,
	}
}

// send delivers cmd to the room task, blocking while the mailbox is
// full. It fails with errRoomClosed once the task has exited.
func (r *Room) send(ctx context.Context, cmd command) error {
	select {
	case r.mailbox <- cmd:
		return nil
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// run is the room task. It rehydrates the document, then serializes
// every command until the room is evicted or the manager stops it.
func (r *Room) run() {
	// The sweep is declared first so it runs after done is closed: a
	// command that slipped into the mailbox while the task was exiting
	// still gets an answer.
	defer r.sweepMailbox()
	defer close(r.done)
	defer r.cleanup()
	defer func() {
		if rec := recover(); rec != nil {
			roomPanics.Inc()
			r.log.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("Room task panicked.")
			r.panicked = true
			r.kickAll(protocol.ReasonInternal, "internal server error")
		}
	}()

	if err := r.hydrate(r.m.closeCtx); err != nil {
		r.log.WithError(err).Error("Failed to rehydrate room.")
		r.drainAndKick()
		return
	}
	r.lastSnapVersion = r.engine.Version()

	// A room is born empty: arm eviction immediately so a join that
	// never arrives cannot leak the task.
	evict := r.clock.NewTimer(r.m.cfg.IdleEviction)
	defer evict.Stop()
	snap := r.clock.NewTicker(r.m.cfg.SnapshotInterval)
	defer snap.Stop()

	r.log.WithField("version", r.engine.Version()).Debug("Room started.")

	for {
		select {
		case cmd := <-r.mailbox:
			if stop := r.dispatch(cmd, evict); stop {
				return
			}
		case <-evict.Chan():
			if len(r.parties) > 0 {
				continue
			}
			r.log.Debug("Room idle, evicting.")
			return
		case <-snap.Chan():
			if r.snapshotDebt() > 0 {
				r.enqueueSnapshot()
			}
		}
	}
}

// dispatch handles one command. It returns true when the room task
// must exit.
func (r *Room) dispatch(cmd command, evict clockwork.Timer) bool {
	switch c := cmd.(type) {
	case joinCmd:
		r.lastActivity = r.clock.Now()
		r.handleJoin(c, evict)
	case leaveCmd:
		r.lastActivity = r.clock.Now()
		r.removeParty(c.clientID, c.sub, evict)
	case closedCmd:
		r.removeParty(c.clientID, c.sub, evict)
	case submitCmd:
		r.lastActivity = r.clock.Now()
		r.handleSubmit(c)
	case cursorCmd:
		r.lastActivity = r.clock.Now()
		r.handleCursor(c)
	case syncCmd:
		r.lastActivity = r.clock.Now()
		r.handleSync(c)
	case infoCmd:
		c.reply <- Info{
			RoomID:       r.id,
			Content:      r.engine.Content(),
			Version:      r.engine.Version(),
			ContentRunes: utf8.RuneCountInString(r.engine.Content()),
			CreatedAt:    r.createdAt,
			LastActivity: r.lastActivity,
			Participants: r.partyInfos(),
		}
	case stopCmd:
		r.kickAll(protocol.ReasonShutdown, "server is shutting down")
		return true
	}
	return false
}

// hydrate loads the persisted snapshot and replays the usable prefix
// of the operation tail. A room never persisted before starts from the
// zero snapshot.
func (r *Room) hydrate(ctx context.Context) error {
	state, err := r.m.cfg.Backend.GetRoom(ctx, r.id)
	if err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		state = &backend.RoomState{}
	}
	engine, err := ot.NewEngine(ot.EngineConfig{
		Content:         state.Snapshot.Content,
		Version:         state.Snapshot.Version,
		HistoryWindow:   r.m.cfg.HistoryWindow,
		DedupeCacheSize: r.m.cfg.DedupeCacheSize,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := engine.Replay(usableTail(state.Snapshot, state.Tail)); err != nil {
		return trace.Wrap(err)
	}
	r.engine = engine
	return nil
}

// usableTail returns the longest contiguous run of operations starting
// exactly at the snapshot version. Anything after a gap (an append the
// persist queue dropped) cannot be replayed and is discarded; the
// snapshot that followed the gap already covers it.
func usableTail(snap ot.Snapshot, tail []ot.Operation) []ot.Operation {
	next := snap.Version
	var out []ot.Operation
	for _, op := range tail {
		if op.Version < next {
			continue
		}
		if op.Version != next {
			break
		}
		out = append(out, op)
		next++
	}
	return out
}

// drainAndKick empties the mailbox after a failed hydration so queued
// joiners are not left waiting for an acknowledgement that will never
// come. The next join attempt creates a fresh room and retries the
// backend.
func (r *Room) drainAndKick() {
	for {
		select {
		case cmd := <-r.mailbox:
			if join, ok := cmd.(joinCmd); ok {
				join.sub.Kick(protocol.ReasonInternal, "room is unavailable")
			}
		default:
			return
		}
	}
}

// sweepMailbox answers commands that raced the task's exit. The
// registry has already forgotten this room, so joiners and submitters
// are told to retry; their next attempt lands in a fresh room.
func (r *Room) sweepMailbox() {
	for {
		select {
		case cmd := <-r.mailbox:
			switch c := cmd.(type) {
			case joinCmd:
				r.sendError(c.sub, protocol.ReasonInternal, "room is restarting, retry the join", "", c.seq)
			case submitCmd:
				r.sendError(c.sub, protocol.ReasonInternal, "room is restarting, retry the operation", c.op.ID, c.seq)
			case syncCmd:
				r.sendError(c.sub, protocol.ReasonInternal, "room is restarting, retry the sync", "", c.seq)
			}
		default:
			return
		}
	}
}

// cleanup detaches the room from the registry and flushes the final
// snapshot. The registry removal happens before done is closed (by the
// deferred close in run), so a retried join finds a fresh slot.
func (r *Room) cleanup() {
	r.m.removeRoom(r)
	var final *ot.Snapshot
	if !r.panicked && r.engine != nil && r.snapshotDebt() > 0 {
		s := r.engine.Snapshot()
		final = &s
	}
	r.persist.stop(final)
	roomsActive.Dec()
	r.log.Debug("Room closed.")
}

func (r *Room) handleJoin(cmd joinCmd, evict clockwork.Timer) {
	now := r.clock.Now()
	existing, ok := r.parties[cmd.clientID]
	if ok && existing.sub.ID() == cmd.sub.ID() {
		// A repeated JOIN_ROOM from the same session: acknowledge
		// again, state unchanged.
		existing.lastActive = now
		r.sendJoinAck(cmd.sub, cmd.seq)
		return
	}
	if ok {
		// Same clientId from a new session preempts the old one. The
		// roster membership does not change, so nobody else is told;
		// the advisory cursor state survives the handover.
		existing.sub.Kick(protocol.ReasonPreempted,
			fmt.Sprintf("client %q connected from another session", cmd.clientID))
		r.parties[cmd.clientID] = &party{
			clientID:   cmd.clientID,
			userID:     cmd.userID,
			cursor:     existing.cursor,
			selection:  existing.selection,
			sub:        cmd.sub,
			joinedAt:   existing.joinedAt,
			lastActive: now,
		}
		r.sendJoinAck(cmd.sub, cmd.seq)
		return
	}

	if len(r.parties) == 0 {
		stopTimer(evict)
	}
	p := &party{clientID: cmd.clientID, userID: cmd.userID, sub: cmd.sub, joinedAt: now, lastActive: now}
	r.parties[cmd.clientID] = p

	r.sendJoinAck(cmd.sub, cmd.seq)

	pkt, err := protocol.NewParticipantJoined(r.id, p.participant())
	if err != nil {
		r.log.WithError(err).Error("Failed to encode join announcement.")
		return
	}
	r.broadcastExcept(cmd.clientID, pkt)
}

func (r *Room) sendJoinAck(sub Subscriber, seq int64) {
	s := r.engine.Snapshot()
	pkt, err := protocol.NewJoinRoomAck(r.id, s.Content, s.Version, r.roster(), seq)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode join acknowledgement.")
		return
	}
	sub.Send(pkt)
}

// removeParty serves both LEAVE_ROOM and a session disconnect. The
// subscriber must still own the clientId; a stale session removing its
// successor would undo a preemption.
func (r *Room) removeParty(clientID string, sub Subscriber, evict clockwork.Timer) {
	p, ok := r.parties[clientID]
	if !ok || p.sub.ID() != sub.ID() {
		return
	}
	delete(r.parties, clientID)

	pkt, err := protocol.NewParticipantLeft(r.id, p.clientID, p.userID)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode leave announcement.")
	} else {
		r.broadcast(pkt)
	}

	if len(r.parties) == 0 {
		evict.Reset(r.m.cfg.IdleEviction)
	}
}

func (r *Room) handleSubmit(cmd submitCmd) {
	p, ok := r.parties[cmd.clientID]
	if !ok || p.sub.ID() != cmd.sub.ID() {
		r.sendError(cmd.sub, protocol.ReasonValidationFailed,
			"join the room before submitting operations", cmd.op.ID, cmd.seq)
		return
	}
	p.lastActive = r.clock.Now()

	// The user identity was established at join time; the operation
	// carries it into history and broadcasts.
	cmd.op.UserID = p.userID

	accepted, err := r.engine.Integrate(cmd.op)
	switch {
	case err == nil:
	case errors.Is(err, ot.ErrDuplicate):
		// Resubmission of an accepted operation: acknowledge again
		// with the originally assigned version, apply nothing.
		r.sendAck(cmd.sub, accepted.ID, accepted.Version+1, cmd.seq)
		return
	case errors.Is(err, ot.ErrVersionAhead):
		r.rejectOp(cmd, protocol.ReasonVersionAhead, err)
		return
	case errors.Is(err, ot.ErrVersionStale):
		r.rejectOp(cmd, protocol.ReasonVersionStale, err)
		return
	case errors.Is(err, ot.ErrPrecondition):
		r.rejectOp(cmd, protocol.ReasonPrecondition, err)
		return
	default:
		opsRejected.WithLabelValues(string(protocol.ReasonInternal)).Inc()
		r.log.WithError(err).Error("Operation integration failed.")
		r.sendError(cmd.sub, protocol.ReasonInternal, "internal server error", cmd.op.ID, cmd.seq)
		return
	}

	opsAccepted.Inc()
	newVersion := accepted.Version + 1

	// In durable mode the append completes before the submitter hears
	// back. Either way a persistence failure cannot reject an already
	// accepted operation; the next snapshot repairs the log.
	if r.m.cfg.Durable {
		if err := r.m.cfg.Backend.AppendOp(r.m.closeCtx, r.id, accepted); err != nil {
			persistFailures.Inc()
			r.log.WithError(err).Warn("Failed to append accepted operation.")
		}
	} else {
		r.persist.enqueue(persistJob{op: &accepted})
	}

	r.sendAck(cmd.sub, accepted.ID, newVersion, cmd.seq)

	pkt, err := protocol.NewOpBroadcast(r.id, accepted, newVersion)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode operation broadcast.")
	} else {
		r.broadcastExcept(cmd.clientID, pkt)
	}

	if r.snapshotDebt() >= int64(r.m.cfg.SnapshotEveryOps) {
		r.enqueueSnapshot()
	}
}

func (r *Room) rejectOp(cmd submitCmd, reason protocol.Reason, err error) {
	opsRejected.WithLabelValues(string(reason)).Inc()
	r.sendError(cmd.sub, reason, trace.UserMessage(err), cmd.op.ID, cmd.seq)
}

func (r *Room) handleCursor(cmd cursorCmd) {
	p, ok := r.parties[cmd.clientID]
	if !ok || p.sub.ID() != cmd.sub.ID() {
		r.sendError(cmd.sub, protocol.ReasonValidationFailed,
			"join the room before sending cursor updates", "", 0)
		return
	}
	p.lastActive = r.clock.Now()
	// The frame replaces the whole advisory state: an absent selection
	// clears a previous one.
	p.cursor = cmd.cursor
	p.selection = cmd.selection

	pkt, err := protocol.NewCursorBroadcast(r.id, p.participant())
	if err != nil {
		r.log.WithError(err).Error("Failed to encode cursor broadcast.")
		return
	}
	r.broadcastExcept(cmd.clientID, pkt)
}

func (r *Room) handleSync(cmd syncCmd) {
	p, ok := r.parties[cmd.clientID]
	if !ok || p.sub.ID() != cmd.sub.ID() {
		r.sendError(cmd.sub, protocol.ReasonValidationFailed,
			"join the room before requesting a sync", "", cmd.seq)
		return
	}

	if cmd.fromVersion != nil {
		ops, err := r.engine.HistorySince(*cmd.fromVersion)
		if err == nil {
			for _, op := range ops {
				pkt, err := protocol.NewOpBroadcast(r.id, op, op.Version+1)
				if err != nil {
					r.log.WithError(err).Error("Failed to encode sync operation.")
					return
				}
				p.sub.Send(pkt)
			}
			return
		}
		// Out of the window, or a version the document never reached:
		// fall back to the full snapshot.
	}
	r.sendJoinAck(p.sub, cmd.seq)
}

func (r *Room) sendAck(sub Subscriber, operationID string, version int64, seq int64) {
	pkt, err := protocol.NewAck(r.id, operationID, version, seq)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode acknowledgement.")
		return
	}
	sub.Send(pkt)
}

func (r *Room) sendError(sub Subscriber, reason protocol.Reason, message, operationID string, seq int64) {
	pkt, err := protocol.NewError(r.id, reason, message, operationID, seq)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode error frame.")
		return
	}
	sub.Send(pkt)
}

func (r *Room) broadcast(pkt *protocol.Packet) {
	for _, p := range r.parties {
		p.sub.Send(pkt)
	}
}

func (r *Room) broadcastExcept(clientID string, pkt *protocol.Packet) {
	for id, p := range r.parties {
		if id == clientID {
			continue
		}
		p.sub.Send(pkt)
	}
}

func (r *Room) kickAll(reason protocol.Reason, message string) {
	for _, p := range r.parties {
		p.sub.Kick(reason, message)
	}
	r.parties = make(map[string]*party)
}

// snapshotDebt is how many accepted operations the last enqueued
// snapshot does not cover.
func (r *Room) snapshotDebt() int64 {
	return r.engine.Version() - r.lastSnapVersion
}

func (r *Room) enqueueSnapshot() {
	s := r.engine.Snapshot()
	r.persist.enqueue(persistJob{snap: &s})
	r.lastSnapVersion = s.Version
}

// stopTimer stops a clockwork timer and drains a tick that already
// fired.
func stopTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
