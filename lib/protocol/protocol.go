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

// Package protocol defines the framed JSON wire protocol between
// collaborative editing clients and the server: inbound message
// parsing and validation, and outbound frame construction.
//
// Every frame is a single JSON object carrying a "type" field. Inbound
// frames parse into a sealed set of ClientMessage variants; outbound
// frames are built once into Packets so rooms can marshal a broadcast
// a single time and fan the bytes out to every subscriber.
package protocol

// Inbound message kinds.
const (
	KindJoinRoom     = "JOIN_ROOM"
	KindLeaveRoom    = "LEAVE_ROOM"
	KindOTOp         = "OT_OP"
	KindCursorUpdate = "CURSOR_UPDATE"
	KindSyncState    = "SYNC_STATE"
	KindPing         = "PING"
)

// Outbound message kinds.
const (
	KindJoinRoomAck       = "JOIN_ROOM_ACK"
	KindAck               = "ACK"
	KindOpBroadcast       = "OT_OP_BROADCAST"
	KindCursorBroadcast   = "CURSOR_UPDATE_BROADCAST"
	KindParticipantJoined = "PARTICIPANT_JOINED"
	KindParticipantLeft   = "PARTICIPANT_LEFT"
	KindError             = "ERROR"
	KindBackpressure      = "BACKPRESSURE"
	KindPong              = "PONG"
)

// Reason is the closed set of error codes carried by ERROR frames.
type Reason string

const (
	// ReasonValidationFailed marks a malformed or out-of-bounds frame.
	// The frame is dropped, the session continues.
	ReasonValidationFailed Reason = "validation_failed"

	// ReasonRateLimited marks a frame dropped by a token bucket. The
	// session continues.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonBackpressure marks outbound frames shed due to a full
	// queue. The session continues until the grace interval expires.
	ReasonBackpressure Reason = "backpressure"

	// ReasonVersionAhead marks an operation claiming a version the
	// server has not reached. The client should request a sync.
	ReasonVersionAhead Reason = "op_rejected_version_ahead"

	// ReasonVersionStale marks an operation older than the retained
	// history window. The client must refetch a snapshot.
	ReasonVersionStale Reason = "op_rejected_version_stale"

	// ReasonPrecondition marks a delete whose payload no longer
	// matches the document after transformation.
	ReasonPrecondition Reason = "op_rejected_precondition"

	// ReasonPreempted tells a session its clientId reconnected from
	// elsewhere. The session is closed.
	ReasonPreempted Reason = "preempted"

	// ReasonHeartbeatTimeout closes sessions that stopped answering
	// pings.
	ReasonHeartbeatTimeout Reason = "heartbeat_timeout"

	// ReasonShutdown is sent to every session when the server stops.
	ReasonShutdown Reason = "shutdown"

	// ReasonInternal marks an unexpected server-side failure. The
	// session is closed, the room continues.
	ReasonInternal Reason = "internal"
)

// Class buckets outbound packets for the shedding policy: when a
// session's outbound queue overflows, cursor packets are dropped
// first, then op broadcasts; control packets are never shed.
type Class int

const (
	// ClassControl packets (acks, errors, membership) are never shed.
	ClassControl Class = iota
	// ClassOp packets carry accepted operations.
	ClassOp
	// ClassCursor packets carry advisory cursor state.
	ClassCursor
)

// Packet is a marshaled outbound frame. Rooms build a Packet once per
// broadcast and hand the same bytes to every subscriber.
type Packet struct {
	// Kind is the frame's wire type.
	Kind string
	// Class drives the backpressure shedding policy.
	Class Class
	// Data is the marshaled JSON frame.
	Data []byte
}

// Cursor is an advisory caret position.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is an advisory text selection.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// Participant is the wire representation of a room member.
type Participant struct {
	ClientID  string     `json:"clientId"`
	UserID    string     `json:"userId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}
