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

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/lib/backend/memory"
	"github.com/coscribe/coscribe/lib/limiter"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/protocol"
	"github.com/coscribe/coscribe/lib/room"
)

type testEnv struct {
	srv   *httptest.Server
	rooms *room.Manager
	bk    *memory.Memory
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	bk := memory.New()
	rooms, err := room.NewManager(room.Config{Backend: bk})
	require.NoError(t, err)

	cfg := Config{Rooms: rooms, Backend: bk}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, rooms.Shutdown(ctx))
		require.NoError(t, bk.Close())
	})
	return &testEnv{srv: srv, rooms: rooms, bk: bk}
}

// frame is the union of every outbound frame shape, decoded loosely for
// assertions.
type frame struct {
	Type           string                 `json:"type"`
	RoomID         string                 `json:"roomId"`
	Content        string                 `json:"content"`
	Version        int64                  `json:"version"`
	Participants   []protocol.Participant `json:"participants"`
	Participant    *protocol.Participant  `json:"participant"`
	OperationID    string                 `json:"operationId"`
	Operation      *ot.Operation          `json:"operation"`
	SenderClientID string                 `json:"senderClientId"`
	ClientID       string                 `json:"clientId"`
	UserID         string                 `json:"userId"`
	Reason         string                 `json:"reason"`
	Message        string                 `json:"message"`
	Seq            int64                  `json:"seq"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *wsClient) read() (frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return frame{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func (c *wsClient) readAny() frame {
	c.t.Helper()
	f, err := c.read()
	require.NoError(c.t, err)
	return f
}

// expectNext requires the very next frame to be of the given kind.
func (c *wsClient) expectNext(kind string) frame {
	c.t.Helper()
	f := c.readAny()
	require.Equal(c.t, kind, f.Type)
	return f
}

// expect reads until a frame of the given kind arrives, skipping
// unrelated broadcasts.
func (c *wsClient) expect(kind string) frame {
	c.t.Helper()
	for {
		f, err := c.read()
		require.NoError(c.t, err, "waiting for a %v frame", kind)
		if f.Type == kind {
			return f
		}
	}
}

func (c *wsClient) join(roomID, clientID, userID string, seq int64) frame {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"type":"JOIN_ROOM","roomId":%q,"clientId":%q,"userId":%q,"seq":%d}`,
		roomID, clientID, userID, seq))
	return c.expect(protocol.KindJoinRoomAck)
}

func (c *wsClient) submit(roomID, clientID, opID, kind string, pos int, payload string, version, seq int64) {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"type":"OT_OP","roomId":%q,"clientId":%q,"seq":%d,
		"operation":{"id":%q,"kind":%q,"position":%d,"payload":%q,"version":%d}}`,
		roomID, clientID, seq, opID, kind, pos, payload, version))
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func TestWebSingleClientFlow(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)
	c := dialWS(t, env.srv)

	ack := c.join("doc-1", "c-1", "u-1", 1)
	require.Equal(t, "doc-1", ack.RoomID)
	require.Equal(t, "", ack.Content)
	require.Equal(t, int64(0), ack.Version)
	require.Len(t, ack.Participants, 1)
	require.Equal(t, "c-1", ack.Participants[0].ClientID)
	require.Equal(t, int64(1), ack.Seq)

	c.submit("doc-1", "c-1", "op-1", "insert", 0, "Hello", 0, 2)
	opAck := c.expectNext(protocol.KindAck)
	require.Equal(t, "op-1", opAck.OperationID)
	require.Equal(t, int64(1), opAck.Version)
	require.Equal(t, int64(2), opAck.Seq)

	var info room.Info
	require.Equal(t, http.StatusOK, getJSON(t, env.srv, "/v1/rooms/doc-1", &info))
	require.Equal(t, "Hello", info.Content)
	require.Equal(t, int64(1), info.Version)
	require.Len(t, info.Participants, 1)
}

func TestWebConcurrentEditsConverge(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)
	alice := dialWS(t, env.srv)
	bob := dialWS(t, env.srv)

	alice.join("doc-1", "c-alice", "u-alice", 1)
	bob.join("doc-1", "c-bob", "u-bob", 1)

	// Both edit the same position at the same version. Whatever the
	// arrival order, the clientId tie-break puts c-alice's insert
	// first.
	alice.submit("doc-1", "c-alice", "op-a1", "insert", 0, "X", 0, 2)
	bob.submit("doc-1", "c-bob", "op-b1", "insert", 0, "Y", 0, 2)

	// Each client gets its own ack and the other's broadcast, in an
	// order decided by the race.
	ackAndBroadcast := func(c *wsClient) (ack, bcast frame) {
		c.t.Helper()
		var haveAck, haveBcast bool
		for !haveAck || !haveBcast {
			f := c.readAny()
			switch f.Type {
			case protocol.KindAck:
				ack, haveAck = f, true
			case protocol.KindOpBroadcast:
				bcast, haveBcast = f, true
			}
		}
		return ack, bcast
	}
	aliceAck, aliceSees := ackAndBroadcast(alice)
	bobAck, bobSees := ackAndBroadcast(bob)
	require.ElementsMatch(t, []int64{1, 2}, []int64{aliceAck.Version, bobAck.Version})
	require.Equal(t, "c-bob", aliceSees.SenderClientID)
	require.Equal(t, "c-alice", bobSees.SenderClientID)

	for _, tc := range []struct {
		c        *wsClient
		clientID string
	}{{alice, "c-alice"}, {bob, "c-bob"}} {
		tc.c.send(fmt.Sprintf(`{"type":"SYNC_STATE","roomId":"doc-1","clientId":%q,"seq":5}`, tc.clientID))
		snap := tc.c.expect(protocol.KindJoinRoomAck)
		require.Equal(t, "XY", snap.Content)
		require.Equal(t, int64(2), snap.Version)
	}
}

func TestWebSyncStateReplay(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)
	c := dialWS(t, env.srv)
	c.join("doc-1", "c-1", "u-1", 1)

	for i, letter := range []string{"a", "b", "c", "d", "e"} {
		c.submit("doc-1", "c-1", fmt.Sprintf("op-%d", i+1), "insert", i, letter, int64(i), int64(i+2))
		ack := c.expectNext(protocol.KindAck)
		require.Equal(t, int64(i+1), ack.Version)
	}

	// The replay lands before the ack of the next submit, which pins
	// the replayed set to exactly two operations.
	c.send(`{"type":"SYNC_STATE","roomId":"doc-1","clientId":"c-1","fromVersion":3,"seq":9}`)
	c.submit("doc-1", "c-1", "op-6", "insert", 5, "f", 5, 10)

	first := c.expectNext(protocol.KindOpBroadcast)
	require.NotNil(t, first.Operation)
	require.Equal(t, "d", first.Operation.Payload)
	require.Equal(t, int64(3), first.Operation.Version)
	require.Equal(t, int64(4), first.Version)

	second := c.expectNext(protocol.KindOpBroadcast)
	require.NotNil(t, second.Operation)
	require.Equal(t, "e", second.Operation.Payload)
	require.Equal(t, int64(4), second.Operation.Version)
	require.Equal(t, int64(5), second.Version)

	ack := c.expectNext(protocol.KindAck)
	require.Equal(t, "op-6", ack.OperationID)
	require.Equal(t, int64(6), ack.Version)
}

func TestWebSyncStateFullSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)
	c := dialWS(t, env.srv)
	c.join("doc-1", "c-1", "u-1", 1)

	c.submit("doc-1", "c-1", "op-1", "insert", 0, "hi", 0, 2)
	c.expectNext(protocol.KindAck)

	// No fromVersion asks for the whole document.
	c.send(`{"type":"SYNC_STATE","roomId":"doc-1","clientId":"c-1","seq":3}`)
	snap := c.expectNext(protocol.KindJoinRoomAck)
	require.Equal(t, "hi", snap.Content)
	require.Equal(t, int64(1), snap.Version)
	require.Equal(t, int64(3), snap.Seq)
}

func TestWebPreemption(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	first := dialWS(t, env.srv)
	first.join("doc-1", "c-1", "u-1", 1)

	second := dialWS(t, env.srv)
	second.join("doc-1", "c-1", "u-1", 1)

	kicked := first.expect(protocol.KindError)
	require.Equal(t, string(protocol.ReasonPreempted), kicked.Reason)
	_, err := first.read()
	require.Error(t, err, "the preempted connection must be closed")

	// The replacement session keeps working and the roster holds one
	// entry.
	second.submit("doc-1", "c-1", "op-1", "insert", 0, "x", 0, 2)
	ack := second.expect(protocol.KindAck)
	require.Equal(t, int64(1), ack.Version)

	var info room.Info
	require.Equal(t, http.StatusOK, getJSON(t, env.srv, "/v1/rooms/doc-1", &info))
	require.Len(t, info.Participants, 1)
}

func TestWebParticipantLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	alice := dialWS(t, env.srv)
	ack := alice.join("doc-1", "c-alice", "u-alice", 1)
	require.Len(t, ack.Participants, 1)

	bob := dialWS(t, env.srv)
	ack = bob.join("doc-1", "c-bob", "u-bob", 1)
	require.Len(t, ack.Participants, 2)
	require.Equal(t, "c-alice", ack.Participants[0].ClientID)
	require.Equal(t, "c-bob", ack.Participants[1].ClientID)

	joined := alice.expect(protocol.KindParticipantJoined)
	require.NotNil(t, joined.Participant)
	require.Equal(t, "c-bob", joined.Participant.ClientID)

	bob.send(`{"type":"LEAVE_ROOM","roomId":"doc-1","clientId":"c-bob","seq":2}`)
	left := alice.expect(protocol.KindParticipantLeft)
	require.Equal(t, "c-bob", left.ClientID)
	require.Equal(t, "u-bob", left.UserID)
}

func TestWebCursorFanout(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	alice := dialWS(t, env.srv)
	alice.join("doc-1", "c-alice", "u-alice", 1)
	bob := dialWS(t, env.srv)
	bob.join("doc-1", "c-bob", "u-bob", 1)

	bob.send(`{"type":"CURSOR_UPDATE","roomId":"doc-1","clientId":"c-bob","cursor":{"line":3,"column":7}}`)
	cur := alice.expect(protocol.KindCursorBroadcast)
	require.Equal(t, "c-bob", cur.ClientID)
	require.Equal(t, "u-bob", cur.UserID)
}

func TestWebLeaveAndRejoin(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)
	c := dialWS(t, env.srv)

	c.join("doc-1", "c-1", "u-1", 1)
	c.submit("doc-1", "c-1", "op-1", "insert", 0, "x", 0, 2)
	c.expectNext(protocol.KindAck)

	c.send(`{"type":"LEAVE_ROOM","roomId":"doc-1","clientId":"c-1","seq":3}`)
	ack := c.join("doc-1", "c-1", "u-1", 4)
	require.Equal(t, "x", ack.Content)
	require.Equal(t, int64(1), ack.Version)
	require.Len(t, ack.Participants, 1)
}

func TestWebRateLimitedOps(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, func(cfg *Config) {
		// A rate this low never refills during the test, so exactly
		// the burst is accepted.
		cfg.Session.Limits = limiter.Config{
			OpRate: 0.001, OpBurst: 5,
			CursorRate: 50, CursorBurst: 10,
		}
	})
	c := dialWS(t, env.srv)
	c.join("doc-1", "c-1", "u-1", 1)

	for i := 0; i < 20; i++ {
		c.submit("doc-1", "c-1", fmt.Sprintf("op-%d", i+1), "insert", 0, "x", 0, int64(i+2))
	}

	acks, limited := 0, 0
	for i := 0; i < 20; i++ {
		f := c.readAny()
		switch f.Type {
		case protocol.KindAck:
			acks++
		case protocol.KindError:
			require.Equal(t, string(protocol.ReasonRateLimited), f.Reason)
			limited++
		default:
			t.Fatalf("unexpected frame %v", f.Type)
		}
	}
	require.Equal(t, 5, acks)
	require.Equal(t, 15, limited)

	// The session survives the refusals.
	c.send(`{"type":"SYNC_STATE","roomId":"doc-1","clientId":"c-1","seq":30}`)
	snap := c.expectNext(protocol.KindJoinRoomAck)
	require.Equal(t, int64(5), snap.Version)
}

func TestWebRoomInfoEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	require.Equal(t, http.StatusNotFound, getJSON(t, env.srv, "/v1/rooms/doc-none", nil))

	c := dialWS(t, env.srv)
	c.join("doc-1", "c-1", "u-1", 1)
	c.submit("doc-1", "c-1", "op-1", "insert", 0, "héllo", 0, 2)
	c.expectNext(protocol.KindAck)

	var info room.Info
	require.Equal(t, http.StatusOK, getJSON(t, env.srv, "/v1/rooms/doc-1", &info))
	require.Equal(t, "doc-1", info.RoomID)
	require.Equal(t, "héllo", info.Content)
	require.Equal(t, 5, info.ContentRunes)
	require.Equal(t, int64(1), info.Version)
	require.Len(t, info.Participants, 1)
	require.Equal(t, "c-1", info.Participants[0].ClientID)
}

func TestWebHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	var status statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, env.srv, "/healthz", &status))
	require.Equal(t, "ok", status.Status)

	require.Equal(t, http.StatusOK, getJSON(t, env.srv, "/readyz", &status))
	require.Equal(t, "ok", status.Status)

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "rooms_active")
}

func TestWebRejectsPlainHTTPOnWS(t *testing.T) {
	t.Parallel()
	env := newTestServer(t)

	resp, err := env.srv.Client().Get(env.srv.URL + "/v1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSessionParamsApplied(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, func(cfg *Config) {
		cfg.Session.QueueLen = 16
	})

	// A joined client works under the custom params.
	c := dialWS(t, env.srv)
	ack := c.join("doc-1", "c-1", "u-1", 1)
	require.Equal(t, int64(0), ack.Version)
}
