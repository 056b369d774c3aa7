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

// Package coscribe holds constants shared across the coscribe server:
// component names used for logging and the process version.
package coscribe

import "strings"

// Version is the semantic version of the coscribe server. It is reported
// by the `coscribe version` command and attached to process startup logs.
const Version = "0.4.1"

// ComponentKey is the log field under which every subsystem reports its
// component name.
const ComponentKey = "component"

// Component builds a component name out of parts, joined the way the
// Component* constants are.
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

const (
	// ComponentEngine is the operational transformation engine that
	// orders and rewrites concurrent document edits.
	ComponentEngine = "coscribe:engine"

	// ComponentRoom is the room runtime: one logical writer per
	// document coordinating edits, presence and broadcasts.
	ComponentRoom = "coscribe:room"

	// ComponentSession is the websocket session layer that owns client
	// connections, heartbeats and outbound queues.
	ComponentSession = "coscribe:session"

	// ComponentWeb is the HTTP/websocket front door.
	ComponentWeb = "coscribe:web"

	// ComponentBackend is the persistence layer storing snapshots and
	// operation tails.
	ComponentBackend = "coscribe:backend"

	// ComponentService is the process supervisor wiring the pieces
	// together and handling shutdown.
	ComponentService = "coscribe:service"
)

const (
	// BackendMemory is the in-process map backend, used by default and
	// in tests.
	BackendMemory = "memory"

	// BackendLite is the embedded SQLite backend.
	BackendLite = "sqlite"

	// BackendPostgres is the PostgreSQL backend.
	BackendPostgres = "postgres"

	// BackendRedis is the Redis backend.
	BackendRedis = "redis"
)
