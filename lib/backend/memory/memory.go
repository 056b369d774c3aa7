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

// Package memory implements the backend interface on process-local
// maps. It is the default for development and tests; nothing survives
// a restart.
package memory

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
)

// record is the stored state of one room.
type record struct {
	snapshot ot.Snapshot
	tail     []ot.Operation
}

// Memory is an in-process Backend implementation.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string]*record
	closed bool
}

// New creates an empty in-memory backend.
func New() *Memory {
	return &Memory{rooms: make(map[string]*record)}
}

// GetRoom loads the persisted state of a room.
func (m *Memory) GetRoom(ctx context.Context, roomID string) (*backend.RoomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, trace.ConnectionProblem(nil, "backend is closed")
	}
	rec, ok := m.rooms[roomID]
	if !ok {
		return nil, trace.NotFound("room %q is not persisted", roomID)
	}
	state := &backend.RoomState{
		Snapshot: rec.snapshot,
		Tail:     make([]ot.Operation, len(rec.tail)),
	}
	copy(state.Tail, rec.tail)
	return state, nil
}

// AppendOp appends one accepted operation to the room's tail.
func (m *Memory) AppendOp(ctx context.Context, roomID string, op ot.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return trace.ConnectionProblem(nil, "backend is closed")
	}
	rec, ok := m.rooms[roomID]
	if !ok {
		rec = &record{}
		m.rooms[roomID] = rec
	}
	// Resubmitted versions overwrite in place instead of duplicating.
	for i := range rec.tail {
		if rec.tail[i].Version == op.Version {
			rec.tail[i] = op
			return nil
		}
	}
	rec.tail = append(rec.tail, op)
	return nil
}

// PutSnapshot stores the room snapshot and drops the operations it
// already contains.
func (m *Memory) PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return trace.ConnectionProblem(nil, "backend is closed")
	}
	rec, ok := m.rooms[roomID]
	if !ok {
		rec = &record{}
		m.rooms[roomID] = rec
	}
	rec.snapshot = snap
	kept := rec.tail[:0]
	for _, op := range rec.tail {
		if op.Version >= snap.Version {
			kept = append(kept, op)
		}
	}
	rec.tail = kept
	return nil
}

// DeleteRoom removes all persisted state of a room.
func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return trace.ConnectionProblem(nil, "backend is closed")
	}
	delete(m.rooms, roomID)
	return nil
}

// Close marks the backend closed. Subsequent calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rooms = nil
	return nil
}
