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

package ot

import (
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coscribe/coscribe/lib/defaults"
)

// EngineConfig configures a document engine.
type EngineConfig struct {
	// Content is the initial document content.
	Content string
	// Version is the initial document version, the number of
	// operations accepted before this engine was created.
	Version int64
	// HistoryWindow is how many accepted operations to retain for
	// transforming late arrivals.
	HistoryWindow int
	// DedupeCacheSize is how many accepted operation ids to remember
	// for idempotent resubmission.
	DedupeCacheSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Version < 0 {
		return trace.BadParameter("document version must not be negative")
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaults.HistoryWindow
	}
	if c.DedupeCacheSize <= 0 {
		c.DedupeCacheSize = defaults.DedupeCacheSize
	}
	return nil
}

// opKey identifies an operation for duplicate detection.
type opKey struct {
	clientID string
	opID     string
}

// Engine owns one document: its content, its version and the window of
// recently accepted operations. Integrate transforms incoming
// operations against everything accepted since their base version and
// applies them, assigning each accepted operation the next version.
//
// Engine is not safe for concurrent use. Rooms serialize access by
// funneling all document commands through a single goroutine.
type Engine struct {
	content string
	version int64
	history *history
	seen    *lru.Cache[opKey, int64]
}

// NewEngine creates an engine from a snapshot of the document.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	seen, err := lru.New[opKey, int64](cfg.DedupeCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		content: cfg.Content,
		version: cfg.Version,
		history: newHistory(cfg.HistoryWindow),
		seen:    seen,
	}, nil
}

// Version returns the current document version: the version that will
// be assigned to the next accepted operation.
func (e *Engine) Version() int64 {
	return e.version
}

// Content returns the current document content.
func (e *Engine) Content() string {
	return e.content
}

// Snapshot returns a consistent view of the document.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{Content: e.content, Version: e.version}
}

// floor is the lowest operation version that can still be transformed
// against retained history.
func (e *Engine) floor() int64 {
	return e.version - int64(e.history.len())
}

// Integrate transforms op against all operations accepted since its
// base version, applies it, and returns the accepted operation with
// its assigned version.
//
// Returns ErrDuplicate (with the originally assigned version set on
// the returned operation) for resubmitted operation ids,
// ErrVersionAhead and ErrVersionStale for versions outside the
// integratable range, and ErrPrecondition when the transformed
// operation does not fit the document. Rejected operations leave the
// document untouched.
func (e *Engine) Integrate(op Operation) (Operation, error) {
	key := opKey{clientID: op.ClientID, opID: op.ID}
	if v, ok := e.seen.Get(key); ok {
		op.Version = v
		return op, trace.Wrap(ErrDuplicate, "operation %q was accepted at version %d", op.ID, v)
	}
	if op.Version > e.version {
		return Operation{}, trace.Wrap(ErrVersionAhead, "operation version %d is ahead of document version %d", op.Version, e.version)
	}
	if op.Version < e.floor() {
		return Operation{}, trace.Wrap(ErrVersionStale, "operation version %d predates the retained history starting at %d", op.Version, e.floor())
	}

	transformed := op
	for _, accepted := range e.history.since(op.Version) {
		transformed = Transform(transformed, accepted)
	}
	content, err := Apply(e.content, transformed)
	if err != nil {
		return Operation{}, trace.Wrap(err)
	}

	transformed.Version = e.version
	e.content = content
	e.history.add(transformed)
	e.version++
	e.seen.Add(key, transformed.Version)
	return transformed, nil
}

// HistorySince returns the accepted operations with version >= since,
// in acceptance order. An empty result with a nil error means the
// caller is up to date. ErrVersionStale signals the range fell out of
// the window and the caller needs a full snapshot; ErrVersionAhead
// signals a version the document never reached.
func (e *Engine) HistorySince(since int64) ([]Operation, error) {
	if since > e.version {
		return nil, trace.Wrap(ErrVersionAhead, "version %d is ahead of document version %d", since, e.version)
	}
	if since == e.version {
		return nil, nil
	}
	if since < e.floor() {
		return nil, trace.Wrap(ErrVersionStale, "version %d predates the retained history starting at %d", since, e.floor())
	}
	return e.history.since(since), nil
}

// Replay applies a tail of already-accepted operations in order,
// verifying that versions are contiguous with the engine's state. It
// is used to rehydrate a document from a persisted snapshot plus its
// operation log.
func (e *Engine) Replay(ops []Operation) error {
	for _, op := range ops {
		if op.Version != e.version {
			return trace.BadParameter("operation log is not contiguous: document at version %d, log holds %d", e.version, op.Version)
		}
		content, err := Apply(e.content, op)
		if err != nil {
			return trace.Wrap(err, "operation log does not match document content at version %d", op.Version)
		}
		e.content = content
		e.history.add(op)
		e.version++
		e.seen.Add(opKey{clientID: op.ClientID, opID: op.ID}, op.Version)
	}
	return nil
}
