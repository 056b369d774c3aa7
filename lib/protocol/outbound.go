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

package protocol

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/coscribe/coscribe/lib/ot"
)

// JoinRoomAck answers a JOIN_ROOM with the full document snapshot and
// the current participant roster. It doubles as the full-resync answer
// to a SYNC_STATE that fell out of the history window.
type JoinRoomAck struct {
	Type         string        `json:"type"`
	RoomID       string        `json:"roomId"`
	Content      string        `json:"content"`
	Version      int64         `json:"version"`
	Participants []Participant `json:"participants"`
	Seq          int64         `json:"seq,omitempty"`
}

// Ack confirms one accepted operation to its submitter. Version is the
// document version after the operation was applied.
type Ack struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
	Seq         int64  `json:"seq,omitempty"`
}

// OpBroadcast delivers an accepted operation to every subscriber other
// than its submitter. Version is the document version after the
// operation; the operation itself carries its acceptance version.
type OpBroadcast struct {
	Type           string       `json:"type"`
	RoomID         string       `json:"roomId"`
	Operation      ot.Operation `json:"operation"`
	Version        int64        `json:"version"`
	SenderClientID string       `json:"senderClientId"`
}

// CursorBroadcast delivers advisory cursor state to the other room
// members.
type CursorBroadcast struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId"`
	ClientID  string     `json:"clientId"`
	UserID    string     `json:"userId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// ParticipantJoined announces a new room member to the others.
type ParticipantJoined struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

// ParticipantLeft announces a departed room member to the others.
type ParticipantLeft struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// ErrorFrame reports a failure to one session. Reason is from the
// closed taxonomy; OperationID and Seq tie the error to the triggering
// frame when known.
type ErrorFrame struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId,omitempty"`
	Reason      Reason `json:"reason"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// BackpressureFrame warns a slow consumer that the server started
// shedding its broadcasts.
type BackpressureFrame struct {
	Type string `json:"type"`
}

// Pong answers a client PING, echoing its opaque timestamp.
type Pong struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func marshal(kind string, class Class, frame interface{}) (*Packet, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling %v frame", kind)
	}
	return &Packet{Kind: kind, Class: class, Data: data}, nil
}

// NewJoinRoomAck builds the join acknowledgement packet.
func NewJoinRoomAck(roomID, content string, version int64, participants []Participant, seq int64) (*Packet, error) {
	if participants == nil {
		participants = []Participant{}
	}
	return marshal(KindJoinRoomAck, ClassControl, JoinRoomAck{
		Type:         KindJoinRoomAck,
		RoomID:       roomID,
		Content:      content,
		Version:      version,
		Participants: participants,
		Seq:          seq,
	})
}

// NewAck builds the acknowledgement for an accepted operation.
func NewAck(roomID, operationID string, version int64, seq int64) (*Packet, error) {
	return marshal(KindAck, ClassControl, Ack{
		Type:        KindAck,
		RoomID:      roomID,
		OperationID: operationID,
		Version:     version,
		Seq:         seq,
	})
}

// NewOpBroadcast builds the broadcast for an accepted operation.
// Version is the document version after applying op.
func NewOpBroadcast(roomID string, op ot.Operation, version int64) (*Packet, error) {
	return marshal(KindOpBroadcast, ClassOp, OpBroadcast{
		Type:           KindOpBroadcast,
		RoomID:         roomID,
		Operation:      op,
		Version:        version,
		SenderClientID: op.ClientID,
	})
}

// NewCursorBroadcast builds the broadcast for a participant's cursor
// state.
func NewCursorBroadcast(roomID string, p Participant) (*Packet, error) {
	return marshal(KindCursorBroadcast, ClassCursor, CursorBroadcast{
		Type:      KindCursorBroadcast,
		RoomID:    roomID,
		ClientID:  p.ClientID,
		UserID:    p.UserID,
		Cursor:    p.Cursor,
		Selection: p.Selection,
	})
}

// NewParticipantJoined builds the membership announcement for a join.
func NewParticipantJoined(roomID string, p Participant) (*Packet, error) {
	return marshal(KindParticipantJoined, ClassControl, ParticipantJoined{
		Type:        KindParticipantJoined,
		RoomID:      roomID,
		Participant: p,
	})
}

// NewParticipantLeft builds the membership announcement for a leave.
func NewParticipantLeft(roomID, clientID, userID string) (*Packet, error) {
	return marshal(KindParticipantLeft, ClassControl, ParticipantLeft{
		Type:     KindParticipantLeft,
		RoomID:   roomID,
		ClientID: clientID,
		UserID:   userID,
	})
}

// NewError builds an ERROR packet. roomID, operationID and seq may be
// zero when unknown.
func NewError(roomID string, reason Reason, message, operationID string, seq int64) (*Packet, error) {
	return marshal(KindError, ClassControl, ErrorFrame{
		Type:        KindError,
		RoomID:      roomID,
		Reason:      reason,
		Message:     message,
		OperationID: operationID,
		Seq:         seq,
	})
}

// NewBackpressure builds the slow-consumer notice.
func NewBackpressure() (*Packet, error) {
	return marshal(KindBackpressure, ClassControl, BackpressureFrame{Type: KindBackpressure})
}

// NewPong builds the answer to a PING.
func NewPong(timestamp json.RawMessage) (*Packet, error) {
	return marshal(KindPong, ClassControl, Pong{Type: KindPong, Timestamp: timestamp})
}
