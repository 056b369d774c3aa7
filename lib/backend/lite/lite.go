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

// Package lite implements the backend interface on SQLite. It is the
// simplest durable option: a single file, no external services.
package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/utils"
)

const (
	// BackendName is the name of this backend in the storage config.
	BackendName = "sqlite"

	// defaultDirMode is the mode of newly created directories on the
	// way to the database file.
	defaultDirMode os.FileMode = 0770

	// defaultJournal keeps the write-ahead log across connections. WAL
	// lets rehydration reads proceed while the persister writes.
	defaultJournal = "WAL"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_ops (
    room_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    op      TEXT NOT NULL,
    PRIMARY KEY (room_id, version)
);`

// Config is the SQLite backend configuration, populated from the
// storage section of the config file.
type Config struct {
	// Path is the directory the database file lives in.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// BusyTimeout is how long, in milliseconds, queries wait on a
	// locked database before failing.
	BusyTimeout int `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`
	// Journal overrides the journal_mode pragma.
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty"`
	// Sync overrides the synchronous pragma.
	Sync string `json:"sync,omitempty" yaml:"sync,omitempty"`
	// Memory opens an in-memory database, used in tests.
	Memory bool `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" && !cfg.Memory {
		return trace.BadParameter("specify the directory for the database with the path parameter")
	}
	if cfg.BusyTimeout < 0 {
		return trace.BadParameter("busy_timeout must not be negative")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = int(defaults.LiteBusyTimeout / time.Millisecond)
	}
	if cfg.Journal == "" {
		cfg.Journal = defaultJournal
	}
	return nil
}

// ConnectionURI returns the connection string for the configured
// database file.
func (cfg *Config) ConnectionURI() string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout))
	params.Set("_journal_mode", cfg.Journal)
	if cfg.Sync != "" {
		params.Set("_sync", cfg.Sync)
	}
	if cfg.Memory {
		params.Set("mode", "memory")
	}
	// Take the write lock up front so transactions never deadlock
	// upgrading a read lock.
	params.Set("_txlock", "immediate")

	u := url.URL{
		Scheme:   "file",
		Opaque:   url.QueryEscape(filepath.Join(cfg.Path, defaults.LiteFilename)),
		RawQuery: params.Encode(),
	}
	return u.String()
}

// Backend stores rooms in a SQLite database.
type Backend struct {
	Config
	log *logrus.Entry
	db  *sql.DB
}

// New returns a SQLite backend configured from a parameter bag.
func New(ctx context.Context, params backend.Params) (*Backend, error) {
	var cfg Config
	if err := utils.ObjectToStruct(params, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig opens the database, creating the file and the schema
// if needed.
func NewWithConfig(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.Memory {
		if err := os.MkdirAll(cfg.Path, defaultDirMode); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.ConnectionURI())
	if err != nil {
		return nil, trace.Wrap(err, "failed to open database at %v", cfg.Path)
	}
	// go-sqlite3 serializes writers itself; extra connections only
	// fight over the file lock.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, trace.Wrap(err, "failed to create schema")
	}
	b := &Backend{
		Config: cfg,
		db:     db,
		log:    logrus.WithFields(logrus.Fields{coscribe.ComponentKey: coscribe.Component(coscribe.ComponentBackend, BackendName)}),
	}
	b.log.WithField("path", cfg.Path).Debug("Opened SQLite backend.")
	return b, nil
}

// GetRoom loads the persisted state of a room.
func (l *Backend) GetRoom(ctx context.Context, roomID string) (*backend.RoomState, error) {
	state := &backend.RoomState{}
	haveSnapshot := false
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT content, version FROM rooms WHERE room_id = ?", roomID)
		err := row.Scan(&state.Snapshot.Content, &state.Snapshot.Version)
		switch {
		case err == nil:
			haveSnapshot = true
		case err == sql.ErrNoRows:
		default:
			return trace.Wrap(err)
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT op FROM room_ops WHERE room_id = ? ORDER BY version ASC", roomID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return trace.Wrap(err)
			}
			var op ot.Operation
			if err := json.Unmarshal(data, &op); err != nil {
				return trace.Wrap(err, "corrupt operation record in room %q", roomID)
			}
			state.Tail = append(state.Tail, op)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !haveSnapshot && len(state.Tail) == 0 {
		return nil, trace.NotFound("room %q is not persisted", roomID)
	}
	return state, nil
}

// AppendOp appends one accepted operation to the room's tail.
func (l *Backend) AppendOp(ctx context.Context, roomID string, op ot.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO room_ops (room_id, version, op) VALUES (?, ?, ?)
		 ON CONFLICT (room_id, version) DO UPDATE SET op = excluded.op`,
		roomID, op.Version, string(data))
	return trace.Wrap(err)
}

// PutSnapshot stores the room snapshot and compacts the tail in the
// same transaction.
func (l *Backend) PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (room_id, content, version) VALUES (?, ?, ?)
			 ON CONFLICT (room_id) DO UPDATE SET content = excluded.content, version = excluded.version`,
			roomID, snap.Content, snap.Version)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM room_ops WHERE room_id = ? AND version < ?",
			roomID, snap.Version)
		return trace.Wrap(err)
	})
}

// DeleteRoom removes all persisted state of a room.
func (l *Backend) DeleteRoom(ctx context.Context, roomID string) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = ?", roomID); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM room_ops WHERE room_id = ?", roomID)
		return trace.Wrap(err)
	})
}

// Close closes the database.
func (l *Backend) Close() error {
	return trace.Wrap(l.db.Close())
}

func (l *Backend) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				l.log.WithError(rbErr).Error("Failed to rollback transaction.")
			}
			return
		}
		err = trace.Wrap(tx.Commit())
	}()
	err = fn(tx)
	return err
}
