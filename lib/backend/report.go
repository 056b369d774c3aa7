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

package backend

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coscribe/coscribe/lib/ot"
)

// Reporter wraps a Backend and reports operation counts, failures and
// latencies. The process wraps whichever backend it built in a Reporter
// so every implementation is measured the same way.
type Reporter struct {
	backend Backend
}

// NewReporter wraps backend in a Reporter.
func NewReporter(backend Backend) (*Reporter, error) {
	if backend == nil {
		return nil, trace.BadParameter("missing parameter backend")
	}
	return &Reporter{backend: backend}, nil
}

// GetRoom loads the persisted state of a room.
func (r *Reporter) GetRoom(ctx context.Context, roomID string) (*RoomState, error) {
	start := time.Now()
	state, err := r.backend.GetRoom(ctx, roomID)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return state, err
}

// AppendOp appends one accepted operation to the room's tail.
func (r *Reporter) AppendOp(ctx context.Context, roomID string, op ot.Operation) error {
	start := time.Now()
	err := r.backend.AppendOp(ctx, roomID, op)
	appendLatencies.Observe(time.Since(start).Seconds())
	appendRequests.Inc()
	if err != nil {
		appendRequestsFailed.Inc()
	}
	return err
}

// PutSnapshot stores the room snapshot and compacts the tail.
func (r *Reporter) PutSnapshot(ctx context.Context, roomID string, snap ot.Snapshot) error {
	start := time.Now()
	err := r.backend.PutSnapshot(ctx, roomID, snap)
	snapshotLatencies.Observe(time.Since(start).Seconds())
	snapshotRequests.Inc()
	if err != nil {
		snapshotRequestsFailed.Inc()
	}
	return err
}

// DeleteRoom removes all persisted state of a room.
func (r *Reporter) DeleteRoom(ctx context.Context, roomID string) error {
	err := r.backend.DeleteRoom(ctx, roomID)
	if err != nil {
		deleteRequestsFailed.Inc()
	}
	return err
}

// Close closes the wrapped backend.
func (r *Reporter) Close() error {
	return r.backend.Close()
}

var (
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_total",
			Help: "Number of room loads from the backend",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_failed_total",
			Help: "Number of failed room loads from the backend",
		},
	)
	appendRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_append_requests_total",
			Help: "Number of operation appends to the backend",
		},
	)
	appendRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_append_requests_failed_total",
			Help: "Number of failed operation appends to the backend",
		},
	)
	snapshotRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_snapshot_requests_total",
			Help: "Number of snapshot writes to the backend",
		},
	)
	snapshotRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_snapshot_requests_failed_total",
			Help: "Number of failed snapshot writes to the backend",
		},
	)
	deleteRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_delete_requests_failed_total",
			Help: "Number of failed room deletions in the backend",
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_read_seconds",
			Help: "Latency of room loads",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	appendLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_append_seconds",
			Help: "Latency of operation appends",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	snapshotLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_snapshot_seconds",
			Help: "Latency of snapshot writes",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
)

func init() {
	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(readRequests)
	prometheus.MustRegister(readRequestsFailed)
	prometheus.MustRegister(appendRequests)
	prometheus.MustRegister(appendRequestsFailed)
	prometheus.MustRegister(snapshotRequests)
	prometheus.MustRegister(snapshotRequestsFailed)
	prometheus.MustRegister(deleteRequestsFailed)
	prometheus.MustRegister(readLatencies)
	prometheus.MustRegister(appendLatencies)
	prometheus.MustRegister(snapshotLatencies)
}
