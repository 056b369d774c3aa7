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

package config

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/utils"
)

// FileConfig represents configuration stored in a config file in YAML
// format, usually /etc/coscribe.yaml.
type FileConfig struct {
	Global `yaml:"coscribe,omitempty"`
}

// Global holds the `coscribe` section of the config file.
type Global struct {
	// ListenAddr is the host:port the HTTP/websocket listener binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// Logger configures log output, severity and format.
	Logger Log `yaml:"log,omitempty"`

	// Storage selects the persistence backend and carries its free-form
	// parameters inline.
	Storage backend.Config `yaml:"storage,omitempty"`

	// DurableOps makes every accepted operation hit the backend before
	// it is acknowledged.
	DurableOps bool `yaml:"durable_ops,omitempty"`

	// ShutdownTimeout bounds graceful shutdown, in "30s" form.
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`

	// Collab tunes the per-room editing engine.
	Collab Collab `yaml:"collab,omitempty"`

	// Session tunes per-connection transport behavior.
	Session Session `yaml:"session,omitempty"`

	// Limits configures per-session rate limiting.
	Limits ConnectionLimits `yaml:"limits,omitempty"`
}

// Log configures coscribe logging.
type Log struct {
	// Output defines where logs go. It can be "stderr", "stdout" or
	// a path to a log file.
	Output string `yaml:"output,omitempty"`
	// Severity defines how verbose the log is. Possible values are
	// "error", "warn", "info" and "debug".
	Severity string `yaml:"severity,omitempty"`
	// Format is either "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// Collab holds the room engine tunables. Durations are strings in
// "30s" form.
type Collab struct {
	// HistoryWindow is how many accepted operations a room keeps for
	// transforming late arrivals.
	HistoryWindow int `yaml:"history_window,omitempty"`
	// SnapshotEveryOps triggers a snapshot after this many accepted
	// operations.
	SnapshotEveryOps int `yaml:"snapshot_every_ops,omitempty"`
	// SnapshotInterval triggers a snapshot after this much time if the
	// document changed.
	SnapshotInterval string `yaml:"snapshot_interval,omitempty"`
	// IdleEviction is how long an empty room stays in memory.
	IdleEviction string `yaml:"idle_eviction,omitempty"`
}

// Session holds the websocket session tunables. Durations are strings
// in "30s" form.
type Session struct {
	// HeartbeatInterval is how often idle connections are pinged.
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	// HeartbeatMissLimit is how many unanswered pings close a
	// connection.
	HeartbeatMissLimit int `yaml:"heartbeat_miss_limit,omitempty"`
	// JoinDeadline is how long a connection may idle before its first
	// JOIN_ROOM.
	JoinDeadline string `yaml:"join_deadline,omitempty"`
	// WriteTimeout bounds a single websocket write.
	WriteTimeout string `yaml:"write_timeout,omitempty"`
	// BackpressureGrace is how long a session may stay saturated before
	// it is dropped.
	BackpressureGrace string `yaml:"backpressure_grace,omitempty"`
	// QueueLen is the per-session outbound queue capacity.
	QueueLen int `yaml:"queue_len,omitempty"`
	// MaxFrameBytes caps a single inbound websocket frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes,omitempty"`
}

// ConnectionLimits configures the per-session token buckets.
type ConnectionLimits struct {
	// OpRate is the sustained number of edit operations per second.
	OpRate float64 `yaml:"op_rate,omitempty"`
	// OpBurst is the edit operation burst allowance.
	OpBurst int `yaml:"op_burst,omitempty"`
	// CursorRate is the sustained number of cursor updates per second.
	CursorRate float64 `yaml:"cursor_rate,omitempty"`
	// CursorBurst is the cursor update burst allowance.
	CursorBurst int `yaml:"cursor_burst,omitempty"`
}

// ReadFromFile reads coscribe configuration from a file. Currently only
// YAML format is supported.
func ReadFromFile(filePath string) (*FileConfig, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != ".yaml" && ext != ".yml" {
		return nil, trace.BadParameter("invalid configuration file type %q, only .yaml is supported", filePath)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open file %v", filePath)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadFromString reads configuration from a base64 encoded string. This
// is how configuration travels in the COSCRIBE_CONFIG environment
// variable.
func ReadFromString(configString string) (*FileConfig, error) {
	data, err := base64.StdEncoding.DecodeString(configString)
	if err != nil {
		return nil, trace.BadParameter("configuration should be base64 encoded: %v", err)
	}
	return ReadConfig(bytes.NewBuffer(data))
}

// ReadConfig reads coscribe configuration from reader in YAML format.
// Unknown keys are rejected so a misspelled setting fails loudly instead
// of silently keeping its default.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed reading coscribe configuration")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse coscribe configuration: %v", err)
	}
	return &fc, nil
}

// MakeSampleFileConfig returns a FileConfig with default values filled
// in, suitable as a starting point for a new deployment.
func MakeSampleFileConfig() *FileConfig {
	var conf FileConfig
	conf.ListenAddr = defaults.ListenAddr
	conf.Logger = Log{
		Output:   "stderr",
		Severity: "INFO",
		Format:   utils.LogFormatText,
	}
	conf.Storage = backend.Config{
		Type:   coscribe.BackendLite,
		Params: backend.Params{"path": defaults.DataDir},
	}
	conf.Collab = Collab{
		HistoryWindow:    defaults.HistoryWindow,
		SnapshotEveryOps: defaults.SnapshotEveryOps,
		SnapshotInterval: defaults.SnapshotInterval.String(),
		IdleEviction:     defaults.RoomIdleEviction.String(),
	}
	conf.Session = Session{
		HeartbeatInterval: defaults.HeartbeatInterval.String(),
		JoinDeadline:      defaults.JoinDeadline.String(),
		QueueLen:          defaults.OutboundQueueLen,
	}
	conf.Limits = ConnectionLimits{
		OpRate:      defaults.OpRateLimit,
		OpBurst:     defaults.OpBurst,
		CursorRate:  defaults.CursorRateLimit,
		CursorBurst: defaults.CursorBurst,
	}
	return &conf
}

// DebugDumpToYAML allows for quick YAML dumping of the config.
func (conf *FileConfig) DebugDumpToYAML() string {
	out, err := yaml.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return string(out)
}
