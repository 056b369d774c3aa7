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

// Package utils holds small helpers shared across coscribe packages.
package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Log formats accepted by InitLogger.
const (
	// LogFormatText renders human-readable log lines.
	LogFormatText = "text"

	// LogFormatJSON renders one JSON object per log line.
	LogFormatJSON = "json"
)

// InitLogger configures the process-wide logger. All packages log
// through logrus entries derived from the standard logger, so this
// must run before anything else starts.
func InitLogger(level logrus.Level, format string) error {
	logger := logrus.StandardLogger()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	switch format {
	case "", LogFormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return trace.BadParameter("unsupported log format %q, use %q or %q", format, LogFormatText, LogFormatJSON)
	}
	return nil
}

// InitLoggerForTests sets up verbose logging for test runs. Output goes
// to stderr so `go test` only shows it for failing packages.
func InitLoggerForTests() {
	logger := logrus.StandardLogger()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{})
}

// NewLoggerForTests returns a dedicated verbose logger for tests that
// want to capture or silence output independently of the standard one.
func NewLoggerForTests() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
	return logger
}

// DiscardLogger returns a logger that drops everything. Useful in
// benchmarks and in tests that assert on timing.
func DiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// FatalError prints the user-facing message of err to stderr and exits.
// It is the top-level error handler of the binaries.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
	os.Exit(1)
}
