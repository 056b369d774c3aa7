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

// Package backend defines the persistence boundary of coscribe: per
// room, one document snapshot plus the append-only tail of operations
// accepted since that snapshot. Replaying the tail over the snapshot
// reconstructs the live document, so a room survives a process restart
// and a late joiner can be brought up to date incrementally.
//
// Implementations live in subpackages (memory, lite, pgbk, redisbk)
// and are selected through Config at startup. All of them must be safe
// for concurrent use: rooms serialize their own writes, but many rooms
// share one backend.
package backend

import (
	"context"

	"github.com/coscribe/coscribe/lib/ot"
)

// Backend stores room snapshots and operation tails.
type Backend interface {
	// GetRoom loads the persisted state of a room: the last snapshot
	// and every operation appended since. Returns trace.NotFound for
	// rooms that were never persisted.
	GetRoom(ctx context.Context, roomID string) (*RoomState, error)

	// AppendOp appends one accepted operation to the room's tail. The
	// operation carries its acceptance version; appending the same
	// version twice must be idempotent.
	AppendOp(ctx context.Context, roomID string, op ot.Operation) error

	// PutSnapshot stores the room snapshot and compacts the tail:
	// operations already contained in the snapshot (version below the
	// snapshot's) are deleted in the same atomic step.
	PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error

	// DeleteRoom removes all persisted state of a room.
	DeleteRoom(ctx context.Context, roomID string) error

	// Close releases all resources held by the backend.
	Close() error
}

// RoomState is the persisted form of a room, sufficient to reconstruct
// the live document by replaying Tail over Snapshot.
type RoomState struct {
	// Snapshot is the last stored snapshot. A room that only ever had
	// operations appended carries the zero snapshot (empty content,
	// version 0).
	Snapshot ot.Snapshot
	// Tail holds the operations accepted after Snapshot was cut, in
	// version order.
	Tail []ot.Operation
}

// Config selects and parameterizes a backend through the `storage`
// section of the config file.
type Config struct {
	// Type names the backend implementation: memory, sqlite, postgres
	// or redis.
	Type string `yaml:"type,omitempty"`

	// Params carries implementation-specific settings, passed through
	// from the config file.
	Params Params `yaml:",inline"`
}

// Params is the free-form key/value bag the `storage` config section
// populates.
type Params map[string]interface{}

// GetString returns the string stored under key, or "" when absent or
// not a string.
func (p Params) GetString(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
