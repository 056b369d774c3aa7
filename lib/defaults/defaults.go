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

// Package defaults defines default values for every tunable in coscribe.
// All of these are overridable through the config file or CLI flags; the
// values here apply whenever a setting is left at its zero value.
package defaults

import "time"

const (
	// ListenAddr is the default address the HTTP/websocket listener
	// binds to.
	ListenAddr = "0.0.0.0:3080"

	// MaxFrameBytes caps the size of a single inbound websocket frame.
	// Larger frames terminate the connection at the transport level.
	MaxFrameBytes = 10 * 1024 * 1024

	// HeartbeatInterval is how often the server pings an idle
	// connection.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatMissLimit is the number of consecutive unanswered pings
	// after which a connection is declared dead.
	HeartbeatMissLimit = 2

	// JoinDeadline is how long a freshly accepted connection may take
	// to send its first JOIN_ROOM frame before the server closes it.
	JoinDeadline = 10 * time.Second

	// WriteTimeout bounds a single websocket write.
	WriteTimeout = 10 * time.Second

	// OutboundQueueLen is the per-session bounded outbound queue. When
	// the queue is full the session starts shedding messages by class.
	OutboundQueueLen = 1024

	// BackpressureGrace is how long a session may stay saturated after
	// a BACKPRESSURE notice before the server terminates it.
	BackpressureGrace = 30 * time.Second
)

const (
	// OpRateLimit is the sustained rate of edit operations allowed per
	// session, per second.
	OpRateLimit = 50

	// OpBurst is the edit operation burst allowance per session.
	OpBurst = 100

	// CursorRateLimit is the sustained rate of cursor updates allowed
	// per session, per second.
	CursorRateLimit = 30

	// CursorBurst is the cursor update burst allowance per session.
	CursorBurst = 60
)

const (
	// HistoryWindow is the number of accepted operations a room retains
	// for transforming late arrivals. Clients further behind than this
	// must resynchronize from a snapshot.
	HistoryWindow = 1024

	// SnapshotEveryOps triggers a persistence snapshot after this many
	// accepted operations.
	SnapshotEveryOps = 500

	// SnapshotInterval triggers a persistence snapshot after this much
	// time, if the document changed since the last one.
	SnapshotInterval = 60 * time.Second

	// RoomIdleEviction is how long a room lingers with no participants
	// before it is flushed and removed from memory.
	RoomIdleEviction = 5 * time.Minute

	// MailboxSize is the capacity of a room's command mailbox.
	MailboxSize = 256

	// PersistQueueLen is the capacity of a room's asynchronous persist
	// queue in non-durable mode.
	PersistQueueLen = 512

	// DedupeCacheSize is how many recently accepted operation ids a
	// room remembers for idempotent resubmission.
	DedupeCacheSize = 4096
)

const (
	// MaxPayloadRunes caps the rune length of a single insert or delete
	// payload.
	MaxPayloadRunes = 10000

	// MaxIdentifierLen caps the length of client-supplied identifiers
	// (room ids, client ids, user ids, operation ids).
	MaxIdentifierLen = 100
)

const (
	// ConfigFilePath is the config file location used when --config is
	// not passed.
	ConfigFilePath = "/etc/coscribe.yaml"

	// ConfigEnvar is the environment variable holding a base64 encoded
	// configuration that overrides the config file when set.
	ConfigEnvar = "COSCRIBE_CONFIG"

	// DataDir is the default directory for server state, including the
	// sqlite database file.
	DataDir = "/var/lib/coscribe"
)

const (
	// ShutdownTimeout bounds graceful shutdown: in-flight operations
	// finish and final snapshots flush within this window.
	ShutdownTimeout = 30 * time.Second

	// BackendPath is the storage params key under which file-backed
	// backends expect their data directory.
	BackendPath = "path"

	// LiteBusyTimeout is the SQLite busy timeout.
	LiteBusyTimeout = 10 * time.Second

	// LiteFilename is the SQLite database file created inside the data
	// directory.
	LiteFilename = "coscribe.db"
)
