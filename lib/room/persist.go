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

package room

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/ot"
)

// persistJob is one backend write: an operation append or a snapshot,
// never both.
type persistJob struct {
	op   *ot.Operation
	snap *ot.Snapshot
}

// persister decouples backend writes from the room task. One goroutine
// per room drains a bounded FIFO queue, so persisted writes keep
// acceptance order and a slow backend never blocks editing.
type persister struct {
	log    *logrus.Entry
	bk     backend.Backend
	roomID string
	queue  chan persistJob
	done   chan struct{}
}

func newPersister(m *Manager, roomID string) *persister {
	p := &persister{
		log:    m.log.WithField("room", roomID),
		bk:     m.cfg.Backend,
		roomID: roomID,
		queue:  make(chan persistJob, m.cfg.PersistQueueLen),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for job := range p.queue {
		p.apply(job)
	}
}

func (p *persister) apply(job persistJob) {
	// Backend drivers bound their own waits; persistence outlives
	// request contexts.
	ctx := context.Background()
	var err error
	switch {
	case job.op != nil:
		err = p.bk.AppendOp(ctx, p.roomID, *job.op)
	case job.snap != nil:
		err = p.bk.PutSnapshot(ctx, p.roomID, *job.snap)
		if err == nil {
			snapshotsTotal.Inc()
		}
	}
	if err != nil {
		persistFailures.Inc()
		p.log.WithError(err).Warn("Failed to persist room state.")
	}
}

// enqueue queues a job without blocking. Overflow drops the job; the
// next snapshot covers the gap.
func (p *persister) enqueue(job persistJob) {
	select {
	case p.queue <- job:
	default:
		persistDropped.Inc()
		p.log.Warn("Persist queue overflow, dropping write.")
	}
}

// stop drains the queue, writing final last, and returns once
// everything is flushed. Only the room task calls it, exactly once.
func (p *persister) stop(final *ot.Snapshot) {
	if final != nil {
		p.queue <- persistJob{snap: final}
	}
	close(p.queue)
	<-p.done
}
