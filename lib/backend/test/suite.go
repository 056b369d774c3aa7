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

// Package test contains a backend acceptance test suite that is
// implementation independent. Every backend runs the suite against
// itself to prove it upholds the persistence contract rooms depend on.
package test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
)

// Constructor builds a fresh, empty backend for one subtest. The suite
// closes it when the subtest finishes.
type Constructor func(t *testing.T) backend.Backend

// RunBackendComplianceSuite runs the full conformance suite against
// backends produced by newBackend.
func RunBackendComplianceSuite(t *testing.T, newBackend Constructor) {
	run := func(name string, fn func(t *testing.T, bk backend.Backend)) {
		t.Run(name, func(t *testing.T) {
			bk := newBackend(t)
			t.Cleanup(func() { require.NoError(t, bk.Close()) })
			fn(t, bk)
		})
	}

	run("RoomNotFound", testRoomNotFound)
	run("AppendAndLoad", testAppendAndLoad)
	run("AppendIdempotent", testAppendIdempotent)
	run("SnapshotCompacts", testSnapshotCompacts)
	run("SnapshotOnly", testSnapshotOnly)
	run("ReplayRoundTrip", testReplayRoundTrip)
	run("DeleteRoom", testDeleteRoom)
	run("RoomIsolation", testRoomIsolation)
	run("ConcurrentRooms", testConcurrentRooms)
}

func newInsert(clientID string, version int64, position int, payload string) ot.Operation {
	return ot.Operation{
		ID:       uuid.NewString(),
		Kind:     ot.KindInsert,
		Position: position,
		Payload:  payload,
		ClientID: clientID,
		UserID:   "user-" + clientID,
		Version:  version,
	}
}

func testRoomNotFound(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	state, err := bk.GetRoom(ctx, "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	require.Nil(t, state)
}

func testAppendAndLoad(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	ops := []ot.Operation{
		newInsert("alice", 0, 0, "hello"),
		newInsert("bob", 1, 5, " world"),
		newInsert("alice", 2, 11, "!"),
	}
	for _, op := range ops {
		require.NoError(t, bk.AppendOp(ctx, "alpha", op))
	}

	state, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)
	// A room that only ever appended operations loads with the zero
	// snapshot; the tail carries the whole history.
	require.Equal(t, ot.Snapshot{}, state.Snapshot)
	require.Equal(t, ops, state.Tail)
}

func testAppendIdempotent(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	op := newInsert("alice", 0, 0, "hello")
	require.NoError(t, bk.AppendOp(ctx, "alpha", op))
	// A retried append of the same version must not duplicate the log
	// entry, and the retry wins.
	op.Payload = "hello again"
	require.NoError(t, bk.AppendOp(ctx, "alpha", op))

	state, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, state.Tail, 1)
	require.Equal(t, "hello again", state.Tail[0].Payload)
}

func testSnapshotCompacts(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	content := ""
	var err error
	for v := int64(0); v < 5; v++ {
		op := newInsert("alice", v, len(content), fmt.Sprintf("%d", v))
		content, err = ot.Apply(content, op)
		require.NoError(t, err)
		require.NoError(t, bk.AppendOp(ctx, "alpha", op))
	}

	// A snapshot at version 3 reflects operations 0..2; it must retire
	// exactly those and keep 3 and 4 for replay.
	require.NoError(t, bk.PutSnapshot(ctx, "alpha", ot.Snapshot{Content: "012", Version: 3}))

	state, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, ot.Snapshot{Content: "012", Version: 3}, state.Snapshot)
	require.Len(t, state.Tail, 2)
	require.Equal(t, int64(3), state.Tail[0].Version)
	require.Equal(t, int64(4), state.Tail[1].Version)
}

func testSnapshotOnly(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	snap := ot.Snapshot{Content: "settled", Version: 7}
	require.NoError(t, bk.PutSnapshot(ctx, "alpha", snap))

	state, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, snap, state.Snapshot)
	require.Empty(t, state.Tail)
}

func testReplayRoundTrip(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	engine, err := ot.NewEngine(ot.EngineConfig{})
	require.NoError(t, err)

	words := []string{"the ", "quick ", "brown ", "fox ", "jumps"}
	for i, word := range words {
		op := ot.Operation{
			ID:       uuid.NewString(),
			Kind:     ot.KindInsert,
			Position: len([]rune(engine.Content())),
			Payload:  word,
			ClientID: "alice",
			Version:  engine.Version(),
		}
		accepted, err := engine.Integrate(op)
		require.NoError(t, err)
		require.NoError(t, bk.AppendOp(ctx, "alpha", accepted))
		if i == 2 {
			require.NoError(t, bk.PutSnapshot(ctx, "alpha", engine.Snapshot()))
		}
	}

	state, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)

	restored, err := ot.NewEngine(ot.EngineConfig{
		Content: state.Snapshot.Content,
		Version: state.Snapshot.Version,
	})
	require.NoError(t, err)
	require.NoError(t, restored.Replay(state.Tail))
	require.Equal(t, engine.Content(), restored.Content())
	require.Equal(t, engine.Version(), restored.Version())
}

func testDeleteRoom(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	require.NoError(t, bk.AppendOp(ctx, "alpha", newInsert("alice", 0, 0, "hello")))
	require.NoError(t, bk.PutSnapshot(ctx, "alpha", ot.Snapshot{Content: "hello", Version: 1}))

	require.NoError(t, bk.DeleteRoom(ctx, "alpha"))

	_, err := bk.GetRoom(ctx, "alpha")
	require.True(t, trace.IsNotFound(err), "expected NotFound after delete, got %v", err)

	// Deleting an absent room is not an error.
	require.NoError(t, bk.DeleteRoom(ctx, "alpha"))
}

func testRoomIsolation(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	require.NoError(t, bk.AppendOp(ctx, "alpha", newInsert("alice", 0, 0, "alpha text")))
	require.NoError(t, bk.AppendOp(ctx, "beta", newInsert("bob", 0, 0, "beta text")))
	require.NoError(t, bk.PutSnapshot(ctx, "beta", ot.Snapshot{Content: "beta text", Version: 1}))

	alpha, err := bk.GetRoom(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, ot.Snapshot{}, alpha.Snapshot)
	require.Len(t, alpha.Tail, 1)
	require.Equal(t, "alpha text", alpha.Tail[0].Payload)

	require.NoError(t, bk.DeleteRoom(ctx, "alpha"))

	beta, err := bk.GetRoom(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, "beta text", beta.Snapshot.Content)
}

func testConcurrentRooms(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	const rooms = 8
	const opsPerRoom = 25

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < rooms; r++ {
		roomID := fmt.Sprintf("room-%d", r)
		g.Go(func() error {
			for v := int64(0); v < opsPerRoom; v++ {
				op := newInsert("writer-"+roomID, v, 0, "x")
				if err := bk.AppendOp(gctx, roomID, op); err != nil {
					return trace.Wrap(err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for r := 0; r < rooms; r++ {
		state, err := bk.GetRoom(ctx, fmt.Sprintf("room-%d", r))
		require.NoError(t, err)
		require.Len(t, state.Tail, opsPerRoom)
		for i, op := range state.Tail {
			require.Equal(t, int64(i), op.Version)
		}
	}
}
