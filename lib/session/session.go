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

// Package session bridges one websocket connection to the room
// registry: it validates and rate-limits inbound frames, fans room
// packets out through a bounded queue, and enforces the heartbeat,
// join deadline and backpressure policies.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/limiter"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/protocol"
	"github.com/coscribe/coscribe/lib/room"
	"github.com/coscribe/coscribe/lib/utils"
)

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live websocket sessions",
		},
	)
	packetsShed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_packets_shed_total",
			Help: "Number of outbound packets shed on a full session queue, by class",
		},
		[]string{"class"},
	)
	framesLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_rate_limited_total",
			Help: "Number of inbound frames refused by the per-session rate limiter, by kind",
		},
		[]string{"kind"},
	)
	sessionKicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_kicks_total",
			Help: "Number of sessions terminated by the server, by reason",
		},
		[]string{"reason"},
	)
)

// closeReportTimeout bounds the disconnect report to the room once the
// socket is gone.
const closeReportTimeout = 5 * time.Second

// Registry is the room-manager surface a session drives. Command
// outcomes are not returned: they come back through the Subscriber as
// packets.
type Registry interface {
	Join(ctx context.Context, roomID, clientID, userID string, seq int64, sub room.Subscriber) error
	Leave(ctx context.Context, roomID, clientID string, sub room.Subscriber) error
	SubmitOp(ctx context.Context, roomID, clientID string, op ot.Operation, seq int64, sub room.Subscriber) error
	UpdateCursor(ctx context.Context, roomID, clientID string, cursor *protocol.Cursor, selection *protocol.Selection, sub room.Subscriber) error
	RequestSync(ctx context.Context, roomID, clientID string, fromVersion *int64, seq int64, sub room.Subscriber) error
	SessionClosed(ctx context.Context, roomID, clientID string, sub room.Subscriber) error
}

var _ Registry = (*room.Manager)(nil)

// Params are the per-session tunables. One Params value is shared by
// every session the server accepts.
type Params struct {
	// Limits configures the per-session token buckets.
	Limits limiter.Config

	// MaxFrameBytes caps one inbound websocket message.
	MaxFrameBytes int64

	// HeartbeatInterval is how often the server pings the client.
	HeartbeatInterval time.Duration

	// HeartbeatMissLimit is how many unanswered intervals close the
	// session.
	HeartbeatMissLimit int

	// JoinDeadline is how long a connection may linger without joining
	// a room.
	JoinDeadline time.Duration

	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration

	// BackpressureGrace is how long a session may keep shedding
	// operation broadcasts before it is kicked.
	BackpressureGrace time.Duration

	// QueueLen bounds the outbound packet queue.
	QueueLen int
}

// CheckAndSetDefaults validates the params and fills in defaults.
func (p *Params) CheckAndSetDefaults() error {
	if p.MaxFrameBytes <= 0 {
		p.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if p.HeartbeatMissLimit <= 0 {
		p.HeartbeatMissLimit = defaults.HeartbeatMissLimit
	}
	if p.JoinDeadline <= 0 {
		p.JoinDeadline = defaults.JoinDeadline
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaults.WriteTimeout
	}
	if p.BackpressureGrace <= 0 {
		p.BackpressureGrace = defaults.BackpressureGrace
	}
	if p.QueueLen <= 0 {
		p.QueueLen = defaults.OutboundQueueLen
	}
	return nil
}

// Config holds everything one session needs.
type Config struct {
	// Conn is the accepted websocket connection.
	Conn Conn

	// Registry routes the session's commands to rooms.
	Registry Registry

	// Clock drives the heartbeat, join deadline and grace timers.
	Clock clockwork.Clock

	// Params are the session tunables.
	Params Params
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Params.Limits.Clock == nil {
		c.Params.Limits.Clock = c.Clock
	}
	return trace.Wrap(c.Params.CheckAndSetDefaults())
}

// Session is one client connection. The caller's goroutine runs the
// read loop; a writer goroutine owns all data writes so room tasks
// never block on the socket.
type Session struct {
	cfg    Config
	id     string
	log    *logrus.Entry
	limits *limiter.Limiter
	clock  clockwork.Clock

	out chan *protocol.Packet
	// done is closed exactly once when the session decided to stop.
	// The writer drains, delivers the final frame and closes the
	// socket, which in turn unblocks the reader.
	done       chan struct{}
	writerDone chan struct{}

	// cursorHighWater is the queue depth past which cursor broadcasts
	// are shed to keep room for operations and control packets.
	cursorHighWater int

	mu       sync.Mutex
	closed   bool
	joined   bool
	shedding bool
	// noticePending asks the writer to emit one BACKPRESSURE frame at
	// its next opportunity. The frame cannot go through the queue: the
	// queue being full is the very thing it reports.
	noticePending bool
	final         *protocol.Packet
	closeCode     int
	closeText     string
	grace         clockwork.Timer

	// Owned by the reader goroutine.
	roomID   string
	clientID string
}

var _ room.Subscriber = (*Session)(nil)

// New creates a session on an accepted connection. Run starts it.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := utils.RegisterPrometheusCollectors(sessionsActive, packetsShed, framesLimited, sessionKicks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limits, err := limiter.New(cfg.Params.Limits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id := uuid.NewString()
	return &Session{
		cfg: cfg,
		id:  id,
		log: logrus.WithFields(logrus.Fields{
			coscribe.ComponentKey: coscribe.ComponentSession,
			"session":             id,
		}),
		limits:          limits,
		clock:           cfg.Clock,
		out:             make(chan *protocol.Packet, cfg.Params.QueueLen),
		done:            make(chan struct{}),
		writerDone:      make(chan struct{}),
		cursorHighWater: cfg.Params.QueueLen - cfg.Params.QueueLen/4,
		closeCode:       websocket.CloseNormalClosure,
	}, nil
}

// ID identifies the session. Rooms use it to tell two sessions
// claiming the same clientId apart.
func (s *Session) ID() string { return s.id }

// Run drives the session until the connection closes, then reports the
// disconnect to the room the session was in.
func (s *Session) Run(ctx context.Context) error {
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	s.cfg.Conn.SetReadLimit(s.cfg.Params.MaxFrameBytes)
	s.refreshReadDeadline()
	s.cfg.Conn.SetPongHandler(func(string) error {
		s.refreshReadDeadline()
		return nil
	})

	joinTimer := s.clock.AfterFunc(s.cfg.Params.JoinDeadline, s.expireJoinDeadline)
	defer joinTimer.Stop()

	go s.writeLoop()
	go s.pingLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Kick(protocol.ReasonShutdown, "server is shutting down")
		case <-s.done:
		}
	}()

	err := s.readLoop(ctx)

	s.terminate()
	<-s.writerDone

	if s.roomID != "" {
		reportCtx, cancel := context.WithTimeout(context.Background(), closeReportTimeout)
		defer cancel()
		if rerr := s.cfg.Registry.SessionClosed(reportCtx, s.roomID, s.clientID, s); rerr != nil {
			s.log.WithError(rerr).Warn("Failed to report the disconnect to the room.")
		}
	}
	return trace.Wrap(err)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.cfg.Conn.ReadMessage()
		if err != nil {
			return s.readClosed(err)
		}
		s.refreshReadDeadline()
		s.handleFrame(ctx, data)
	}
}

// readClosed classifies the read loop's terminal error. A missed
// heartbeat deadline kicks the client; a close, theirs or ours, is a
// normal end.
func (s *Session) readClosed(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.Kick(protocol.ReasonHeartbeatTimeout, "no heartbeat received")
		return nil
	}
	if errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseNoStatusReceived) {
		return nil
	}
	if s.isClosed() {
		return nil
	}
	return trace.Wrap(err)
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		// A malformed frame is answered, not fatal.
		s.sendError("", protocol.ReasonValidationFailed, err.Error(), "", 0)
		return
	}
	switch m := msg.(type) {
	case protocol.Ping:
		if pkt, err := protocol.NewPong(m.Timestamp); err == nil {
			s.Send(pkt)
		}
	case protocol.JoinRoom:
		s.handleJoin(ctx, m)
	case protocol.LeaveRoom:
		s.handleLeave(ctx, m)
	case protocol.SubmitOp:
		s.handleSubmit(ctx, m)
	case protocol.CursorUpdate:
		s.handleCursor(ctx, m)
	case protocol.SyncState:
		s.handleSync(ctx, m)
	}
}

func (s *Session) handleJoin(ctx context.Context, m protocol.JoinRoom) {
	if s.roomID != "" && (s.roomID != m.RoomID || s.clientID != m.ClientID) {
		// A session is in at most one room: switching leaves the old
		// one first.
		if err := s.cfg.Registry.Leave(ctx, s.roomID, s.clientID, s); err != nil {
			s.log.WithError(err).Warn("Failed to leave the previous room.")
		}
		s.roomID, s.clientID = "", ""
	}
	if err := s.cfg.Registry.Join(ctx, m.RoomID, m.ClientID, m.UserID, m.Seq, s); err != nil {
		s.log.WithError(err).Warn("Join failed.")
		reason := protocol.ReasonInternal
		if trace.IsConnectionProblem(err) {
			reason = protocol.ReasonShutdown
		}
		s.sendError(m.RoomID, reason, "failed to join the room", "", m.Seq)
		return
	}
	s.roomID, s.clientID = m.RoomID, m.ClientID
}

func (s *Session) handleLeave(ctx context.Context, m protocol.LeaveRoom) {
	if !s.inRoom(m.RoomID, m.ClientID) {
		s.sendError(m.RoomID, protocol.ReasonValidationFailed, "not joined to this room", "", m.Seq)
		return
	}
	if err := s.cfg.Registry.Leave(ctx, m.RoomID, m.ClientID, s); err != nil {
		s.log.WithError(err).Warn("Leave failed.")
	}
	s.roomID, s.clientID = "", ""
}

func (s *Session) handleSubmit(ctx context.Context, m protocol.SubmitOp) {
	if !s.inRoom(m.RoomID, m.ClientID) {
		s.sendError(m.RoomID, protocol.ReasonValidationFailed,
			"join the room before submitting operations", m.Op.ID, m.Seq)
		return
	}
	if !s.limits.AllowOp() {
		framesLimited.WithLabelValues("op").Inc()
		s.sendError(m.RoomID, protocol.ReasonRateLimited,
			"operation rate limit exceeded", m.Op.ID, m.Seq)
		return
	}
	if err := s.cfg.Registry.SubmitOp(ctx, m.RoomID, m.ClientID, m.Op, m.Seq, s); err != nil {
		s.log.WithError(err).Warn("Failed to route the operation.")
		s.sendError(m.RoomID, protocol.ReasonInternal, "the room is not available, rejoin", m.Op.ID, m.Seq)
	}
}

func (s *Session) handleCursor(ctx context.Context, m protocol.CursorUpdate) {
	if !s.inRoom(m.RoomID, m.ClientID) {
		s.sendError(m.RoomID, protocol.ReasonValidationFailed,
			"join the room before sending cursor updates", "", m.Seq)
		return
	}
	if !s.limits.AllowCursor() {
		// Advisory state over the limit is dropped, not answered.
		framesLimited.WithLabelValues("cursor").Inc()
		return
	}
	if err := s.cfg.Registry.UpdateCursor(ctx, m.RoomID, m.ClientID, m.Cursor, m.Selection, s); err != nil {
		s.log.WithError(err).Debug("Failed to route the cursor update.")
	}
}

func (s *Session) handleSync(ctx context.Context, m protocol.SyncState) {
	if !s.inRoom(m.RoomID, m.ClientID) {
		s.sendError(m.RoomID, protocol.ReasonValidationFailed,
			"join the room before requesting a sync", "", m.Seq)
		return
	}
	if err := s.cfg.Registry.RequestSync(ctx, m.RoomID, m.ClientID, m.FromVersion, m.Seq, s); err != nil {
		s.log.WithError(err).Warn("Failed to route the sync request.")
		s.sendError(m.RoomID, protocol.ReasonInternal, "the room is not available, rejoin", "", m.Seq)
	}
}

// inRoom reports whether the session established this room and client
// identity with a join.
func (s *Session) inRoom(roomID, clientID string) bool {
	return s.roomID != "" && s.roomID == roomID && s.clientID == clientID
}

// Send enqueues a packet for delivery, without ever blocking the
// caller. What happens on a full queue depends on the packet class:
// cursor broadcasts are shed early, operation broadcasts are shed
// under protest and start the backpressure grace period, and a control
// packet that does not fit ends the session, because control packets
// must never be silently lost.
func (s *Session) Send(pkt *protocol.Packet) bool {
	if pkt.Kind == protocol.KindJoinRoomAck {
		s.markJoined()
	}
	if s.isClosed() {
		return false
	}
	switch pkt.Class {
	case protocol.ClassCursor:
		if len(s.out) >= s.cursorHighWater {
			packetsShed.WithLabelValues("cursor").Inc()
			return false
		}
		select {
		case s.out <- pkt:
			return true
		default:
			packetsShed.WithLabelValues("cursor").Inc()
			return false
		}
	case protocol.ClassOp:
		select {
		case s.out <- pkt:
			return true
		default:
			packetsShed.WithLabelValues("op").Inc()
			s.noteOverflow()
			return false
		}
	default:
		select {
		case s.out <- pkt:
			return true
		default:
			s.Kick(protocol.ReasonBackpressure, "outbound queue overflow")
			return false
		}
	}
}

// Kick delivers a final error frame and closes the session. It is safe
// to call from any goroutine and after the session already closed.
func (s *Session) Kick(reason protocol.Reason, message string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if pkt, err := protocol.NewError("", reason, message, "", 0); err == nil {
		s.final = pkt
	}
	close(s.done)
	s.mu.Unlock()

	sessionKicks.WithLabelValues(string(reason)).Inc()
	s.log.WithField("reason", reason).Debug("Session kicked.")
}

// terminate closes the session without a final error frame.
func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// expireJoinDeadline closes a connection that never joined a room.
// There is no protocol error for it: the client broke the handshake
// contract, so it gets a close frame and nothing more.
func (s *Session) expireJoinDeadline() {
	s.mu.Lock()
	if s.closed || s.joined {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeCode = websocket.ClosePolicyViolation
	s.closeText = "join deadline exceeded"
	close(s.done)
	s.mu.Unlock()

	sessionKicks.WithLabelValues("join_deadline").Inc()
	s.log.Debug("Session never joined a room, closing.")
}

func (s *Session) markJoined() {
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// noteOverflow marks the session as shedding, schedules one
// BACKPRESSURE warning and arms the grace timer. A session still
// shedding when the grace expires is kicked.
func (s *Session) noteOverflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.shedding {
		return
	}
	s.shedding = true
	s.noticePending = true
	if s.grace == nil {
		s.grace = s.clock.AfterFunc(s.cfg.Params.BackpressureGrace, s.graceExpired)
	} else {
		s.grace.Reset(s.cfg.Params.BackpressureGrace)
	}
}

// takeNoticePending consumes the pending backpressure warning, if any.
func (s *Session) takeNoticePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.noticePending && !s.closed
	s.noticePending = false
	return pending
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	expired := s.shedding && !s.closed
	s.mu.Unlock()
	if expired {
		s.Kick(protocol.ReasonBackpressure, "client cannot keep up with the broadcast volume")
	}
}

// clearShedding resets the backpressure state once the queue fully
// drained.
func (s *Session) clearShedding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shedding {
		return
	}
	s.shedding = false
	s.noticePending = false
	if s.grace != nil {
		s.grace.Stop()
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.cfg.Conn.Close()
	for {
		select {
		case pkt := <-s.out:
			if err := s.writePacket(pkt); err != nil {
				s.log.WithError(err).Debug("Write failed, closing the session.")
				s.terminate()
				return
			}
			if s.takeNoticePending() {
				if bp, err := protocol.NewBackpressure(); err == nil {
					if err := s.writePacket(bp); err != nil {
						s.terminate()
						return
					}
				}
			}
			if len(s.out) == 0 {
				s.clearShedding()
			}
		case <-s.done:
			s.flushFinal()
			return
		}
	}
}

// flushFinal drains what was queued before the close decision, then
// writes the final error frame when one is set, then the websocket
// close frame. The first write failure abandons the rest.
func (s *Session) flushFinal() {
drain:
	for {
		select {
		case pkt := <-s.out:
			if s.writePacket(pkt) != nil {
				return
			}
		default:
			break drain
		}
	}
	s.mu.Lock()
	final, code, text := s.final, s.closeCode, s.closeText
	s.mu.Unlock()
	if final != nil {
		if s.writePacket(final) != nil {
			return
		}
	}
	deadline := time.Now().Add(s.cfg.Params.WriteTimeout)
	err := s.cfg.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), deadline)
	if err != nil {
		s.log.WithError(err).Debug("Failed to write the close frame.")
	}
}

func (s *Session) writePacket(pkt *protocol.Packet) error {
	if err := s.cfg.Conn.SetWriteDeadline(time.Now().Add(s.cfg.Params.WriteTimeout)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.Conn.WriteMessage(websocket.TextMessage, pkt.Data))
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Params.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := time.Now().Add(s.cfg.Params.WriteTimeout)
			if err := s.cfg.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.WithError(err).Debug("Failed to ping.")
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshReadDeadline pushes the read deadline out by the full
// heartbeat allowance. Any inbound traffic counts as liveness, pongs
// included.
func (s *Session) refreshReadDeadline() {
	allowance := s.cfg.Params.HeartbeatInterval * time.Duration(s.cfg.Params.HeartbeatMissLimit)
	if err := s.cfg.Conn.SetReadDeadline(time.Now().Add(allowance)); err != nil {
		s.log.WithError(err).Debug("Failed to set the read deadline.")
	}
}

func (s *Session) sendError(roomID string, reason protocol.Reason, message, operationID string, seq int64) {
	pkt, err := protocol.NewError(roomID, reason, message, operationID, seq)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode an error frame.")
		return
	}
	s.Send(pkt)
}
