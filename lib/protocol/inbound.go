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
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/ot"
)

// ValidationError reports a structurally invalid inbound frame,
// naming the offending field. A single validation error never
// terminates the session.
type ValidationError struct {
	// Field is the JSON path of the violating field, or "frame" when
	// the frame as a whole could not be decoded.
	Field string
	// Message says what is wrong with it.
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ClientMessage is the sealed set of inbound frames. Parse is the only
// constructor; every variant has already passed structural validation.
type ClientMessage interface {
	// Kind returns the frame's wire type.
	Kind() string
	clientMessage()
}

// JoinRoom asks to join (or create) a room.
type JoinRoom struct {
	RoomID   string
	ClientID string
	UserID   string
	Seq      int64
}

// LeaveRoom leaves the current room without closing the connection.
type LeaveRoom struct {
	RoomID   string
	ClientID string
	Seq      int64
}

// SubmitOp submits one edit operation. Op carries the client's logical
// version; ClientID inside Op is stamped from the envelope.
type SubmitOp struct {
	RoomID   string
	ClientID string
	Op       ot.Operation
	Seq      int64
}

// CursorUpdate reports an advisory cursor move or selection. At least
// one of Cursor and Selection is set.
type CursorUpdate struct {
	RoomID    string
	ClientID  string
	Cursor    *Cursor
	Selection *Selection
	Seq       int64
}

// SyncState requests the operations accepted since FromVersion, or a
// full snapshot when FromVersion is absent or out of the window.
type SyncState struct {
	RoomID      string
	ClientID    string
	FromVersion *int64
	Seq         int64
}

// Ping is a client liveness probe. Timestamp is echoed back opaquely.
type Ping struct {
	Timestamp json.RawMessage
}

func (JoinRoom) Kind() string     { return KindJoinRoom }
func (LeaveRoom) Kind() string    { return KindLeaveRoom }
func (SubmitOp) Kind() string     { return KindOTOp }
func (CursorUpdate) Kind() string { return KindCursorUpdate }
func (SyncState) Kind() string    { return KindSyncState }
func (Ping) Kind() string         { return KindPing }

func (JoinRoom) clientMessage()     {}
func (LeaveRoom) clientMessage()    {}
func (SubmitOp) clientMessage()     {}
func (CursorUpdate) clientMessage() {}
func (SyncState) clientMessage()    {}
func (Ping) clientMessage()         {}

// envelope is the superset of all inbound fields. Pointer fields
// distinguish absent values from zero values where the difference
// matters.
type envelope struct {
	Type        string          `json:"type"`
	Seq         int64           `json:"seq"`
	RoomID      string          `json:"roomId"`
	ClientID    string          `json:"clientId"`
	UserID      string          `json:"userId"`
	Operation   *wireOp         `json:"operation"`
	Cursor      *Cursor         `json:"cursor"`
	Selection   *Selection      `json:"selection"`
	FromVersion *int64          `json:"fromVersion"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type wireOp struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Position *int    `json:"position"`
	Payload  *string `json:"payload"`
	Version  *int64  `json:"version"`
}

// Parse decodes and validates one inbound frame. It returns a
// *ValidationError for anything structurally wrong; the caller is
// expected to answer those with an ERROR frame and keep the session
// alive.
func Parse(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, invalid(typeErr.Field, "expected %s", typeErr.Type)
		}
		return nil, invalid("frame", "malformed JSON")
	}

	switch env.Type {
	case KindJoinRoom:
		if err := checkIdentifier("roomId", env.RoomID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("clientId", env.ClientID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("userId", env.UserID); err != nil {
			return nil, err
		}
		return JoinRoom{RoomID: env.RoomID, ClientID: env.ClientID, UserID: env.UserID, Seq: env.Seq}, nil

	case KindLeaveRoom:
		if err := checkIdentifier("roomId", env.RoomID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("clientId", env.ClientID); err != nil {
			return nil, err
		}
		return LeaveRoom{RoomID: env.RoomID, ClientID: env.ClientID, Seq: env.Seq}, nil

	case KindOTOp:
		if err := checkIdentifier("roomId", env.RoomID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("clientId", env.ClientID); err != nil {
			return nil, err
		}
		op, err := env.Operation.validate(env.ClientID)
		if err != nil {
			return nil, err
		}
		return SubmitOp{RoomID: env.RoomID, ClientID: env.ClientID, Op: op, Seq: env.Seq}, nil

	case KindCursorUpdate:
		if err := checkIdentifier("roomId", env.RoomID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("clientId", env.ClientID); err != nil {
			return nil, err
		}
		if env.Cursor == nil && env.Selection == nil {
			return nil, invalid("cursor", "cursor or selection is required")
		}
		if c := env.Cursor; c != nil {
			if c.Line < 0 {
				return nil, invalid("cursor.line", "must not be negative")
			}
			if c.Column < 0 {
				return nil, invalid("cursor.column", "must not be negative")
			}
		}
		if s := env.Selection; s != nil {
			if s.StartLine < 0 || s.StartColumn < 0 || s.EndLine < 0 || s.EndColumn < 0 {
				return nil, invalid("selection", "coordinates must not be negative")
			}
		}
		return CursorUpdate{RoomID: env.RoomID, ClientID: env.ClientID, Cursor: env.Cursor, Selection: env.Selection, Seq: env.Seq}, nil

	case KindSyncState:
		if err := checkIdentifier("roomId", env.RoomID); err != nil {
			return nil, err
		}
		if err := checkIdentifier("clientId", env.ClientID); err != nil {
			return nil, err
		}
		if env.FromVersion != nil && *env.FromVersion < 0 {
			return nil, invalid("fromVersion", "must not be negative")
		}
		return SyncState{RoomID: env.RoomID, ClientID: env.ClientID, FromVersion: env.FromVersion, Seq: env.Seq}, nil

	case KindPing:
		return Ping{Timestamp: env.Timestamp}, nil

	case "":
		return nil, invalid("type", "is required")

	default:
		return nil, invalid("type", "unknown message kind %q", env.Type)
	}
}

// validate checks the operation object of an OT_OP frame and stamps
// the envelope's client id into it.
func (w *wireOp) validate(clientID string) (ot.Operation, error) {
	if w == nil {
		return ot.Operation{}, invalid("operation", "is required")
	}
	if err := checkIdentifier("operation.id", w.ID); err != nil {
		return ot.Operation{}, err
	}
	kind := ot.Kind(w.Kind)
	if kind != ot.KindInsert && kind != ot.KindDelete {
		return ot.Operation{}, invalid("operation.kind", "must be insert or delete")
	}
	if w.Position == nil {
		return ot.Operation{}, invalid("operation.position", "is required")
	}
	if *w.Position < 0 {
		return ot.Operation{}, invalid("operation.position", "must not be negative")
	}
	if w.Payload == nil {
		return ot.Operation{}, invalid("operation.payload", "is required")
	}
	if kind == ot.KindInsert && *w.Payload == "" {
		return ot.Operation{}, invalid("operation.payload", "insert payload must not be empty")
	}
	if n := utf8.RuneCountInString(*w.Payload); n > defaults.MaxPayloadRunes {
		return ot.Operation{}, invalid("operation.payload", "length %d exceeds the maximum of %d", n, defaults.MaxPayloadRunes)
	}
	if w.Version == nil {
		return ot.Operation{}, invalid("operation.version", "is required")
	}
	if *w.Version < 0 {
		return ot.Operation{}, invalid("operation.version", "must not be negative")
	}
	return ot.Operation{
		ID:       w.ID,
		Kind:     kind,
		Position: *w.Position,
		Payload:  *w.Payload,
		ClientID: clientID,
		Version:  *w.Version,
	}, nil
}

// checkIdentifier enforces the shared bound on client-supplied ids.
func checkIdentifier(field, value string) error {
	if value == "" {
		return invalid(field, "is required")
	}
	if n := utf8.RuneCountInString(value); n > defaults.MaxIdentifierLen {
		return invalid(field, "length %d exceeds the maximum of %d", n, defaults.MaxIdentifierLen)
	}
	return nil
}
