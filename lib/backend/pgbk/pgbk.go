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

// Package pgbk implements the backend interface on PostgreSQL, for
// deployments where multiple coscribe instances share one durable
// store.
package pgbk

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/utils"
)

// BackendName is the name of this backend in the storage config.
const BackendName = "postgres"

const (
	defaultMaxOpenConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    version BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS room_ops (
    room_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    op      JSONB NOT NULL,
    PRIMARY KEY (room_id, version)
);`

// Config is the PostgreSQL backend configuration, populated from the
// storage section of the config file.
type Config struct {
	// ConnString is a libpq connection string or URL, for example
	// postgres://coscribe@localhost/coscribe?sslmode=verify-full.
	ConnString string `json:"conn_string,omitempty" yaml:"conn_string,omitempty"`
	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ConnString == "" {
		return trace.BadParameter("specify the database with the conn_string parameter")
	}
	if cfg.MaxOpenConns < 0 {
		return trace.BadParameter("max_open_conns must not be negative")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	return nil
}

// Backend stores rooms in a PostgreSQL database.
type Backend struct {
	Config
	log *logrus.Entry
	db  *sql.DB
}

// New returns a PostgreSQL backend configured from a parameter bag.
func New(ctx context.Context, params backend.Params) (*Backend, error) {
	var cfg Config
	if err := utils.ObjectToStruct(params, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig connects to the database and creates the schema if
// needed.
func NewWithConfig(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return nil, trace.Wrap(err, "failed to connect to database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, trace.Wrap(err, "failed to create schema")
	}
	b := &Backend{
		Config: cfg,
		db:     db,
		log:    logrus.WithFields(logrus.Fields{coscribe.ComponentKey: coscribe.Component(coscribe.ComponentBackend, BackendName)}),
	}
	b.log.Debug("Connected to PostgreSQL backend.")
	return b, nil
}

// GetRoom loads the persisted state of a room.
func (p *Backend) GetRoom(ctx context.Context, roomID string) (*backend.RoomState, error) {
	state := &backend.RoomState{}
	haveSnapshot := false

	row := p.db.QueryRowContext(ctx,
		"SELECT content, version FROM rooms WHERE room_id = $1", roomID)
	err := row.Scan(&state.Snapshot.Content, &state.Snapshot.Version)
	switch {
	case err == nil:
		haveSnapshot = true
	case err == sql.ErrNoRows:
	default:
		return nil, trace.Wrap(err)
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT op FROM room_ops WHERE room_id = $1 ORDER BY version ASC", roomID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, trace.Wrap(err)
		}
		var op ot.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, trace.Wrap(err, "corrupt operation record in room %q", roomID)
		}
		state.Tail = append(state.Tail, op)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	if !haveSnapshot && len(state.Tail) == 0 {
		return nil, trace.NotFound("room %q is not persisted", roomID)
	}
	return state, nil
}

// AppendOp appends one accepted operation to the room's tail.
func (p *Backend) AppendOp(ctx context.Context, roomID string, op ot.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO room_ops (room_id, version, op) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, version) DO UPDATE SET op = EXCLUDED.op`,
		roomID, op.Version, data)
	return trace.Wrap(err)
}

// PutSnapshot stores the room snapshot and compacts the tail in the
// same transaction.
func (p *Backend) PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (room_id, content, version) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id) DO UPDATE SET content = EXCLUDED.content, version = EXCLUDED.version`,
		roomID, snap.Content, snap.Version)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM room_ops WHERE room_id = $1 AND version < $2",
		roomID, snap.Version)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// DeleteRoom removes all persisted state of a room.
func (p *Backend) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = $1", roomID); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM room_ops WHERE room_id = $1", roomID); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// Close closes the connection pool.
func (p *Backend) Close() error {
	return trace.Wrap(p.db.Close())
}
