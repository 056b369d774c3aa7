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

// Package ot implements operational transformation for plain text
// documents: position-based insert/delete operations, the transform
// rules that rewrite concurrent operations against each other, and an
// engine that integrates client operations into a linear history.
//
// The engine performs no locking. Rooms guarantee a single logical
// writer per document, so all Engine methods must be called from that
// writer only.
package ot

import (
	"unicode/utf8"

	"github.com/gravitational/trace"
)

// Kind discriminates the two supported operation types.
type Kind string

const (
	// KindInsert inserts Payload at Position.
	KindInsert Kind = "insert"

	// KindDelete removes Payload starting at Position. The document
	// must contain exactly Payload at that range.
	KindDelete Kind = "delete"
)

// Operation is a single edit to a document. Position and payload
// lengths are measured in runes, not bytes.
//
// Version carries the client's logical document version when the
// operation is submitted, and is rewritten to the server-assigned
// acceptance version once the engine integrates it.
type Operation struct {
	// ID identifies the operation for idempotent resubmission, unique
	// per client.
	ID string `json:"id"`
	// Kind is insert or delete.
	Kind Kind `json:"kind"`
	// Position is the rune offset the operation applies at.
	Position int `json:"position"`
	// Payload is the text inserted, or the exact text expected to be
	// deleted.
	Payload string `json:"payload"`
	// ClientID identifies the submitting connection and breaks ties
	// between operations at equal positions.
	ClientID string `json:"clientId"`
	// UserID identifies the human author.
	UserID string `json:"userId,omitempty"`
	// Version is the document version, see the type comment.
	Version int64 `json:"version"`
}

// Snapshot is a consistent view of a document.
type Snapshot struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

var (
	// ErrVersionAhead is returned when an operation claims a document
	// version the server has not reached yet.
	ErrVersionAhead = &trace.BadParameterError{Message: "operation version is ahead of the document version"}

	// ErrVersionStale is returned when an operation's version has
	// fallen out of the retained history window and can no longer be
	// transformed. The client must resynchronize.
	ErrVersionStale = &trace.BadParameterError{Message: "operation version is below the retained history window"}

	// ErrPrecondition is returned when an operation does not fit the
	// document: the position is out of bounds or a delete payload does
	// not match the content at its range.
	ErrPrecondition = &trace.CompareFailedError{Message: "operation does not match document content"}

	// ErrDuplicate is returned when an operation id was already
	// accepted. The returned operation carries the originally
	// assigned version so the caller can acknowledge idempotently.
	ErrDuplicate = &trace.AlreadyExistsError{Message: "operation was already accepted"}
)

// Apply applies op to content and returns the new content. It never
// mutates its inputs. Violations of the operation's preconditions
// return ErrPrecondition.
func Apply(content string, op Operation) (string, error) {
	runes := []rune(content)
	switch op.Kind {
	case KindInsert:
		if op.Position < 0 || op.Position > len(runes) {
			return "", trace.Wrap(ErrPrecondition, "insert position %d outside document of length %d", op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+utf8.RuneCountInString(op.Payload))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Payload)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case KindDelete:
		payload := []rune(op.Payload)
		if op.Position < 0 || op.Position+len(payload) > len(runes) {
			return "", trace.Wrap(ErrPrecondition, "delete range [%d, %d) outside document of length %d", op.Position, op.Position+len(payload), len(runes))
		}
		if string(runes[op.Position:op.Position+len(payload)]) != op.Payload {
			return "", trace.Wrap(ErrPrecondition, "delete payload does not match document content at position %d", op.Position)
		}
		out := make([]rune, 0, len(runes)-len(payload))
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.Position+len(payload):]...)
		return string(out), nil
	default:
		return "", trace.BadParameter("unknown operation kind %q", op.Kind)
	}
}

// Len returns the operation's payload length in runes.
func (o Operation) Len() int {
	return utf8.RuneCountInString(o.Payload)
}
