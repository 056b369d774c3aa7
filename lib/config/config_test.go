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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/service"
)

const fullConfigString = `coscribe:
  listen_addr: 127.0.0.1:4080
  log:
    output: stderr
    severity: INFO
    format: text
  storage:
    type: sqlite
    path: /var/lib/coscribe-test
    journal: WAL
  durable_ops: true
  shutdown_timeout: 45s
  collab:
    history_window: 2048
    snapshot_every_ops: 100
    snapshot_interval: 30s
    idle_eviction: 10m
  session:
    heartbeat_interval: 15s
    heartbeat_miss_limit: 3
    join_deadline: 5s
    write_timeout: 4s
    backpressure_grace: 20s
    queue_len: 256
    max_frame_bytes: 1048576
  limits:
    op_rate: 25
    op_burst: 50
    cursor_rate: 10
    cursor_burst: 20
`

// writeConfig drops a config fixture into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o660))
	return path
}

func TestSampleConfig(t *testing.T) {
	t.Parallel()

	// generate a sample config and write it into a temp file:
	sfc := MakeSampleFileConfig()
	require.NotNil(t, sfc)
	fn := writeConfig(t, sfc.DebugDumpToYAML())

	// make sure it can be parsed back:
	fc, err := ReadFromFile(fn)
	require.NoError(t, err)

	// validate a couple of values:
	require.Equal(t, defaults.ListenAddr, fc.ListenAddr)
	require.Equal(t, "INFO", fc.Logger.Severity)
	require.Equal(t, coscribe.BackendLite, fc.Storage.Type)
	require.Equal(t, defaults.DataDir, fc.Storage.Params[defaults.BackendPath])
	require.Equal(t, defaults.OpBurst, fc.Limits.OpBurst)
}

func TestConfigReading(t *testing.T) {
	t.Parallel()

	t.Run("invalid file type", func(t *testing.T) {
		conf, err := ReadFromFile("/bin/true")
		require.Nil(t, conf)
		require.True(t, trace.IsBadParameter(err))
		require.ErrorContains(t, err, "invalid configuration file type")
	})
	t.Run("missing file", func(t *testing.T) {
		conf, err := ReadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Nil(t, conf)
		require.ErrorContains(t, err, "failed to open file")
	})
	t.Run("empty file", func(t *testing.T) {
		conf, err := ReadFromFile(writeConfig(t, ""))
		require.NoError(t, err)
		require.NotNil(t, conf)
	})
	t.Run("garbage content", func(t *testing.T) {
		conf, err := ReadFromFile(writeConfig(t, "bad-data!"))
		require.Nil(t, conf)
		require.True(t, trace.IsBadParameter(err))
	})
	t.Run("misspelled key", func(t *testing.T) {
		conf, err := ReadFromFile(writeConfig(t, "coscribe:\n  listen_adr: oops\n"))
		require.Nil(t, conf)
		require.True(t, trace.IsBadParameter(err))
	})
	t.Run("full config", func(t *testing.T) {
		conf, err := ReadFromFile(writeConfig(t, fullConfigString))
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:4080", conf.ListenAddr)
		require.Equal(t, "stderr", conf.Logger.Output)
		require.Equal(t, "INFO", conf.Logger.Severity)
		require.Equal(t, coscribe.BackendLite, conf.Storage.Type)
		require.Equal(t, "/var/lib/coscribe-test", conf.Storage.Params[defaults.BackendPath])
		require.Equal(t, "WAL", conf.Storage.Params["journal"])
		require.True(t, conf.DurableOps)
		require.Equal(t, 2048, conf.Collab.HistoryWindow)
		require.Equal(t, "15s", conf.Session.HeartbeatInterval)
		require.Equal(t, float64(25), conf.Limits.OpRate)
	})
	t.Run("base64 string", func(t *testing.T) {
		conf, err := ReadFromString(base64.StdEncoding.EncodeToString([]byte(fullConfigString)))
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:4080", conf.ListenAddr)
	})
	t.Run("not base64", func(t *testing.T) {
		conf, err := ReadFromString("not base64 at all!")
		require.Nil(t, conf)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("explicit path missing", func(t *testing.T) {
		conf, err := ReadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Nil(t, conf)
		require.True(t, trace.IsNotFound(err))
	})
	t.Run("explicit path", func(t *testing.T) {
		conf, err := ReadConfigFile(writeConfig(t, fullConfigString))
		require.NoError(t, err)
		require.NotNil(t, conf)
		require.Equal(t, "127.0.0.1:4080", conf.ListenAddr)
	})
}

func TestApplyFileConfig(t *testing.T) {
	t.Parallel()

	conf, err := ReadConfig(bytes.NewBufferString(fullConfigString))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(conf, &cfg))

	require.Equal(t, "127.0.0.1:4080", cfg.ListenAddr)
	require.Equal(t, coscribe.BackendLite, cfg.Storage.Type)
	require.Equal(t, "/var/lib/coscribe-test", cfg.Storage.Params[defaults.BackendPath])
	require.Equal(t, "WAL", cfg.Storage.Params["journal"])
	require.True(t, cfg.Durable)
	require.Equal(t, 45*time.Second, cfg.ShutdownTimeout)

	require.Equal(t, 2048, cfg.HistoryWindow)
	require.Equal(t, 100, cfg.SnapshotEveryOps)
	require.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	require.Equal(t, 10*time.Minute, cfg.IdleEviction)

	require.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	require.Equal(t, 3, cfg.Session.HeartbeatMissLimit)
	require.Equal(t, 5*time.Second, cfg.Session.JoinDeadline)
	require.Equal(t, 4*time.Second, cfg.Session.WriteTimeout)
	require.Equal(t, 20*time.Second, cfg.Session.BackpressureGrace)
	require.Equal(t, 256, cfg.Session.QueueLen)
	require.Equal(t, int64(1048576), cfg.Session.MaxFrameBytes)

	require.Equal(t, float64(25), cfg.Session.Limits.OpRate)
	require.Equal(t, 50, cfg.Session.Limits.OpBurst)
	require.Equal(t, float64(10), cfg.Session.Limits.CursorRate)
	require.Equal(t, 20, cfg.Session.Limits.CursorBurst)
}

func TestApplyFileConfigDefaults(t *testing.T) {
	t.Parallel()

	// nil config applies nothing
	var cfg service.Config
	require.NoError(t, ApplyFileConfig(nil, &cfg))
	require.Empty(t, cfg.ListenAddr)

	// an empty section leaves everything at its zero value for
	// CheckAndSetDefaults to fill later
	conf, err := ReadConfig(bytes.NewBufferString("coscribe:\n"))
	require.NoError(t, err)
	require.NoError(t, ApplyFileConfig(conf, &cfg))
	require.Empty(t, cfg.ListenAddr)
	require.Empty(t, cfg.Storage.Type)
	require.False(t, cfg.Durable)
	require.Zero(t, cfg.Session.QueueLen)
}

func TestApplyFileConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "unknown storage type",
			config: "coscribe:\n  storage:\n    type: etcd\n",
		},
		{
			name:   "malformed duration",
			config: "coscribe:\n  collab:\n    snapshot_interval: soon\n",
		},
		{
			name:   "negative duration",
			config: "coscribe:\n  session:\n    join_deadline: -5s\n",
		},
		{
			name:   "unknown severity",
			config: "coscribe:\n  log:\n    severity: loud\n",
		},
		{
			name:   "unknown log format",
			config: "coscribe:\n  log:\n    format: xml\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conf, err := ReadConfig(bytes.NewBufferString(tt.config))
			require.NoError(t, err)

			var cfg service.Config
			err = ApplyFileConfig(conf, &cfg)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestApplyStorageDefaults(t *testing.T) {
	t.Parallel()

	// sqlite with no path gets the default data dir
	conf, err := ReadConfig(bytes.NewBufferString("coscribe:\n  storage:\n    type: sqlite\n"))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(conf, &cfg))
	require.Equal(t, coscribe.BackendLite, cfg.Storage.Type)
	require.Equal(t, defaults.DataDir, cfg.Storage.Params[defaults.BackendPath])
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	t.Run("flags override file", func(t *testing.T) {
		clf := CommandLineFlags{
			ConfigFile:  writeConfig(t, "coscribe:\n  listen_addr: 127.0.0.1:4080\n  storage:\n    type: memory\n"),
			ListenAddr:  "127.0.0.1:9999",
			StorageType: coscribe.BackendLite,
			Durable:     true,
		}
		var cfg service.Config
		require.NoError(t, Configure(&clf, &cfg))
		require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
		require.Equal(t, coscribe.BackendLite, cfg.Storage.Type)
		require.Equal(t, defaults.DataDir, cfg.Storage.Params[defaults.BackendPath])
		require.True(t, cfg.Durable)
	})
	t.Run("file alone", func(t *testing.T) {
		clf := CommandLineFlags{
			ConfigFile: writeConfig(t, fullConfigString),
		}
		var cfg service.Config
		require.NoError(t, Configure(&clf, &cfg))
		require.Equal(t, "127.0.0.1:4080", cfg.ListenAddr)
		require.Equal(t, "/var/lib/coscribe-test", cfg.Storage.Params[defaults.BackendPath])
	})
	t.Run("config string overrides file", func(t *testing.T) {
		clf := CommandLineFlags{
			ConfigFile:   writeConfig(t, fullConfigString),
			ConfigString: base64.StdEncoding.EncodeToString([]byte("coscribe:\n  listen_addr: 10.0.0.1:1\n")),
		}
		var cfg service.Config
		require.NoError(t, Configure(&clf, &cfg))
		require.Equal(t, "10.0.0.1:1", cfg.ListenAddr)
	})
	t.Run("missing config file", func(t *testing.T) {
		clf := CommandLineFlags{
			ConfigFile: filepath.Join(t.TempDir(), "absent.yaml"),
		}
		var cfg service.Config
		err := Configure(&clf, &cfg)
		require.True(t, trace.IsNotFound(err))
	})
	t.Run("bad storage flag", func(t *testing.T) {
		clf := CommandLineFlags{StorageType: "bolt"}
		var cfg service.Config
		err := Configure(&clf, &cfg)
		require.True(t, trace.IsBadParameter(err))
	})
}
