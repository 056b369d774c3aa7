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

// Package config provides facilities for configuring the coscribe server
// including
//   - parsing YAML configuration
//   - parsing CLI flags
package config

import (
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/service"
	"github.com/coscribe/coscribe/lib/utils"
)

// CommandLineFlags stores command line flag values. It is a much
// simplified subset of coscribe configuration, which is fully expressed
// via the YAML config file.
type CommandLineFlags struct {
	// --config flag
	ConfigFile string
	// ConfigString is a base64 encoded configuration string set by
	// --config-string or the COSCRIBE_CONFIG environment variable
	ConfigString string
	// --listen-addr flag
	ListenAddr string
	// --storage flag
	StorageType string
	// --durable flag
	Durable bool
	// -d flag
	Debug bool
}

// storageTypes are the backends a config may select.
var storageTypes = []string{
	coscribe.BackendMemory,
	coscribe.BackendLite,
	coscribe.BackendPostgres,
	coscribe.BackendRedis,
}

// ReadConfigFile reads /etc/coscribe.yaml (or whatever is passed via the
// --config flag) and returns the parsed result.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	// --config tells us to use a specific conf. file:
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if !utils.FileExists(configFilePath) {
			return nil, trace.NotFound("file %s is not found", configFilePath)
		}
	}
	// default config doesn't exist? quietly return:
	if !utils.FileExists(configFilePath) {
		log.Info("not using a config file")
		return nil, nil
	}
	log.Debug("reading config file: ", configFilePath)
	return ReadFromFile(configFilePath)
}

// ApplyFileConfig applies configuration from a YAML file to a coscribe
// runtime config.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	// no config file? no problem
	if fc == nil {
		return nil
	}
	// merge file-based config with defaults in 'cfg'
	applyString(fc.ListenAddr, &cfg.ListenAddr)

	// apply logger settings
	if err := applyLogConfig(fc.Logger, log.StandardLogger()); err != nil {
		return trace.Wrap(err)
	}

	// If a backend is specified, override the defaults.
	if fc.Storage.Type != "" {
		cfg.Storage = fc.Storage
		if err := applyStorageType(fc.Storage.Type, cfg); err != nil {
			return trace.Wrap(err)
		}
	}

	if fc.DurableOps {
		cfg.Durable = true
	}
	if err := applyDuration("shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return trace.Wrap(err)
	}

	// apply room engine tunables:
	if fc.Collab.HistoryWindow > 0 {
		cfg.HistoryWindow = fc.Collab.HistoryWindow
	}
	if fc.Collab.SnapshotEveryOps > 0 {
		cfg.SnapshotEveryOps = fc.Collab.SnapshotEveryOps
	}
	if err := applyDuration("collab.snapshot_interval", fc.Collab.SnapshotInterval, &cfg.SnapshotInterval); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration("collab.idle_eviction", fc.Collab.IdleEviction, &cfg.IdleEviction); err != nil {
		return trace.Wrap(err)
	}

	// apply session tunables:
	if err := applyDuration("session.heartbeat_interval", fc.Session.HeartbeatInterval, &cfg.Session.HeartbeatInterval); err != nil {
		return trace.Wrap(err)
	}
	if fc.Session.HeartbeatMissLimit > 0 {
		cfg.Session.HeartbeatMissLimit = fc.Session.HeartbeatMissLimit
	}
	if err := applyDuration("session.join_deadline", fc.Session.JoinDeadline, &cfg.Session.JoinDeadline); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration("session.write_timeout", fc.Session.WriteTimeout, &cfg.Session.WriteTimeout); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration("session.backpressure_grace", fc.Session.BackpressureGrace, &cfg.Session.BackpressureGrace); err != nil {
		return trace.Wrap(err)
	}
	if fc.Session.QueueLen > 0 {
		cfg.Session.QueueLen = fc.Session.QueueLen
	}
	if fc.Session.MaxFrameBytes > 0 {
		cfg.Session.MaxFrameBytes = fc.Session.MaxFrameBytes
	}

	// apply connection throttling:
	if fc.Limits.OpRate > 0 {
		cfg.Session.Limits.OpRate = fc.Limits.OpRate
	}
	if fc.Limits.OpBurst > 0 {
		cfg.Session.Limits.OpBurst = fc.Limits.OpBurst
	}
	if fc.Limits.CursorRate > 0 {
		cfg.Session.Limits.CursorRate = fc.Limits.CursorRate
	}
	if fc.Limits.CursorBurst > 0 {
		cfg.Session.Limits.CursorBurst = fc.Limits.CursorBurst
	}

	return nil
}

func applyLogConfig(loggerConfig Log, logger *log.Logger) error {
	switch loggerConfig.Output {
	case "":
		break // not set
	case "stderr", "error", "2":
		logger.SetOutput(os.Stderr)
	case "stdout", "out", "1":
		logger.SetOutput(os.Stdout)
	default:
		// assume it's a file path:
		logFile, err := os.Create(loggerConfig.Output)
		if err != nil {
			return trace.Wrap(err, "failed to create the log file")
		}
		logger.SetOutput(logFile)
	}
	switch strings.ToLower(loggerConfig.Severity) {
	case "":
		break // not set
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "err", "error":
		logger.SetLevel(log.ErrorLevel)
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn", "warning":
		logger.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unsupported logger severity: %q", loggerConfig.Severity)
	}
	switch strings.ToLower(loggerConfig.Format) {
	case "":
		break // not set
	case utils.LogFormatText:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case utils.LogFormatJSON:
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return trace.BadParameter("unsupported log format: %q", loggerConfig.Format)
	}
	return nil
}

// applyStorageType switches cfg to the named storage backend. The sqlite
// backend gets a default path when the config does not set one.
func applyStorageType(storageType string, cfg *service.Config) error {
	known := false
	for _, t := range storageTypes {
		if t == storageType {
			known = true
			break
		}
	}
	if !known {
		return trace.BadParameter("unsupported storage type %q, use one of: %v", storageType, strings.Join(storageTypes, ", "))
	}
	if cfg.Storage.Type != storageType {
		cfg.Storage = backend.Config{Type: storageType}
	}
	if storageType == coscribe.BackendLite {
		if cfg.Storage.Params == nil {
			cfg.Storage.Params = make(backend.Params)
		}
		if _, pathSet := cfg.Storage.Params[defaults.BackendPath]; !pathSet {
			cfg.Storage.Params[defaults.BackendPath] = defaults.DataDir
		}
	}
	return nil
}

// applyString takes 'src' and overwrites target with it, unless 'src' is
// empty. Returns 'true' if 'src' was not empty.
func applyString(src string, target *string) bool {
	if src != "" {
		*target = src
		return true
	}
	return false
}

// applyDuration parses a duration setting in "30s" form and overwrites
// target with it, unless 'src' is empty.
func applyDuration(name, src string, target *time.Duration) error {
	if src == "" {
		return nil
	}
	d, err := time.ParseDuration(src)
	if err != nil {
		return trace.BadParameter("%s: invalid duration %q, expected a value like 30s or 5m", name, src)
	}
	if d <= 0 {
		return trace.BadParameter("%s: duration must be positive, got %q", name, src)
	}
	*target = d
	return nil
}

// Configure merges command line arguments with what's in a configuration
// file, with CLI commands taking precedence.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	// load /etc/coscribe.yaml and apply its values:
	fileConf, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	// if configuration is passed as an environment variable,
	// try to decode it and override the config file
	if clf.ConfigString != "" {
		fileConf, err = ReadFromString(clf.ConfigString)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	// Apply command line --debug flag to override logger severity.
	if clf.Debug {
		// If debug logging is requested and no file configuration exists,
		// set the log level right away. Otherwise allow the command line
		// flag to override logger severity in file configuration.
		if fileConf == nil {
			log.SetLevel(log.DebugLevel)
		} else {
			fileConf.Logger.Severity = "debug"
		}
	}

	if err := ApplyFileConfig(fileConf, cfg); err != nil {
		return trace.Wrap(err)
	}

	// apply --listen-addr flag:
	applyString(clf.ListenAddr, &cfg.ListenAddr)

	// apply --storage flag:
	if clf.StorageType != "" {
		if err := applyStorageType(clf.StorageType, cfg); err != nil {
			return trace.Wrap(err)
		}
	}

	// apply --durable flag:
	if clf.Durable {
		cfg.Durable = true
	}

	return nil
}
