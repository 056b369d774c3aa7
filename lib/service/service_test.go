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

package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/defaults"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.ListenAddr, cfg.ListenAddr)
	require.Equal(t, coscribe.BackendMemory, cfg.Storage.Type)
	require.Equal(t, defaults.ShutdownTimeout, cfg.ShutdownTimeout)
	require.Equal(t, defaults.OutboundQueueLen, cfg.Session.QueueLen)
	require.NotNil(t, cfg.Clock)
}

func TestNewBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("empty type means memory", func(t *testing.T) {
		t.Parallel()
		bk, err := NewBackend(ctx, backend.Config{})
		require.NoError(t, err)
		require.NoError(t, bk.Close())
	})

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		bk, err := NewBackend(ctx, backend.Config{Type: coscribe.BackendMemory})
		require.NoError(t, err)
		require.NoError(t, bk.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		bk, err := NewBackend(ctx, backend.Config{
			Type:   coscribe.BackendLite,
			Params: backend.Params{"path": t.TempDir()},
		})
		require.NoError(t, err)
		require.NoError(t, bk.Close())
	})

	t.Run("sqlite requires a path", func(t *testing.T) {
		t.Parallel()
		_, err := NewBackend(ctx, backend.Config{Type: coscribe.BackendLite})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := NewBackend(ctx, backend.Config{Type: "etcd"})
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{
		ListenAddr: "127.0.0.1:0",
		Storage:    backend.Config{Type: "bolt"},
	})
	require.Error(t, err)
}

func TestProcessCloseWithoutRun(t *testing.T) {
	t.Parallel()
	p, err := New(context.Background(), Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProcessLifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(ctx, Config{
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	runC := make(chan error, 1)
	go func() { runC <- p.Run(ctx) }()

	base := "http://" + p.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// One websocket session through the assembled stack.
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+p.Addr().String()+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"JOIN_ROOM","roomId":"doc-1","clientId":"c-1","userId":"u-1","seq":1}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"JOIN_ROOM_ACK"`)

	// Cancelling the run context must reach the hijacked connection.
	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	if _, data, err := conn.ReadMessage(); err == nil {
		require.Contains(t, string(data), `"shutdown"`)
	}

	select {
	case err := <-runC:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("the process did not stop after the context was cancelled")
	}
}
