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

// Package redisbk implements the backend interface on Redis. The
// snapshot lives under a string key, the operation tail in a sorted
// set scored by version.
package redisbk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
	"github.com/coscribe/coscribe/lib/utils"
)

// BackendName is the name of this backend in the storage config.
const BackendName = "redis"

// Config is the Redis backend configuration, populated from the
// storage section of the config file.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
	// Password authenticates the connection, if set.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// DB selects the logical Redis database.
	DB int `json:"db,omitempty" yaml:"db,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Addr == "" {
		return trace.BadParameter("specify the Redis server with the addr parameter")
	}
	if cfg.DB < 0 {
		return trace.BadParameter("db must not be negative")
	}
	return nil
}

// Backend stores rooms in Redis.
type Backend struct {
	Config
	log    *logrus.Entry
	client *redis.Client
}

// New returns a Redis backend configured from a parameter bag.
func New(ctx context.Context, params backend.Params) (*Backend, error) {
	var cfg Config
	if err := utils.ObjectToStruct(params, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig connects to the Redis server.
func NewWithConfig(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, trace.Wrap(err, "failed to connect to Redis at %v", cfg.Addr)
	}
	b := &Backend{
		Config: cfg,
		client: client,
		log:    logrus.WithFields(logrus.Fields{coscribe.ComponentKey: coscribe.Component(coscribe.ComponentBackend, BackendName)}),
	}
	b.log.WithField("addr", cfg.Addr).Debug("Connected to Redis backend.")
	return b, nil
}

func snapshotKey(roomID string) string {
	return "coscribe:room:" + roomID + ":snapshot"
}

func opsKey(roomID string) string {
	return "coscribe:room:" + roomID + ":ops"
}

// GetRoom loads the persisted state of a room.
func (r *Backend) GetRoom(ctx context.Context, roomID string) (*backend.RoomState, error) {
	state := &backend.RoomState{}
	haveSnapshot := false

	data, err := r.client.Get(ctx, snapshotKey(roomID)).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &state.Snapshot); err != nil {
			return nil, trace.Wrap(err, "corrupt snapshot record in room %q", roomID)
		}
		haveSnapshot = true
	case err == redis.Nil:
	default:
		return nil, trace.Wrap(err)
	}

	members, err := r.client.ZRangeByScore(ctx, opsKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, member := range members {
		var op ot.Operation
		if err := json.Unmarshal([]byte(member), &op); err != nil {
			return nil, trace.Wrap(err, "corrupt operation record in room %q", roomID)
		}
		state.Tail = append(state.Tail, op)
	}

	if !haveSnapshot && len(state.Tail) == 0 {
		return nil, trace.NotFound("room %q is not persisted", roomID)
	}
	return state, nil
}

// AppendOp appends one accepted operation to the room's tail. A retry
// of the same version replaces the earlier member so the set never
// holds two operations at one score.
func (r *Backend) AppendOp(ctx context.Context, roomID string, op ot.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return trace.Wrap(err)
	}
	score := strconv.FormatInt(op.Version, 10)
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, opsKey(roomID), score, score)
	pipe.ZAdd(ctx, opsKey(roomID), redis.Z{
		Score:  float64(op.Version),
		Member: string(data),
	})
	_, err = pipe.Exec(ctx)
	return trace.Wrap(err)
}

// PutSnapshot stores the room snapshot and compacts the tail in one
// transaction.
func (r *Backend) PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return trace.Wrap(err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(roomID), data, 0)
	// "(v" is an exclusive bound: operations at the snapshot version
	// postdate the snapshot and stay.
	pipe.ZRemRangeByScore(ctx, opsKey(roomID), "-inf", fmt.Sprintf("(%d", snap.Version))
	_, err = pipe.Exec(ctx)
	return trace.Wrap(err)
}

// DeleteRoom removes all persisted state of a room.
func (r *Backend) DeleteRoom(ctx context.Context, roomID string) error {
	return trace.Wrap(r.client.Del(ctx, snapshotKey(roomID), opsKey(roomID)).Err())
}

// Close closes the client connections.
func (r *Backend) Close() error {
	return trace.Wrap(r.client.Close())
}
