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

// history is a fixed-capacity ring of accepted operations, ordered by
// version. Versions are contiguous, so the operation at version v sits
// at a computable offset from the oldest retained one. Not safe for
// concurrent use; the engine's single-writer discipline covers it.
type history struct {
	buf   []Operation
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Operation, capacity)}
}

// add pushes an accepted operation, evicting the oldest one when the
// ring is full.
func (h *history) add(op Operation) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = op
		h.size++
		return
	}
	h.buf[h.start] = op
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) len() int {
	return h.size
}

// oldestVersion returns the version of the oldest retained operation,
// or -1 when the ring is empty.
func (h *history) oldestVersion() int64 {
	if h.size == 0 {
		return -1
	}
	return h.buf[h.start].Version
}

// since returns a copy of all retained operations with version >= v in
// acceptance order. Callers must ensure v is not below the retained
// floor.
func (h *history) since(v int64) []Operation {
	if h.size == 0 {
		return nil
	}
	offset := int(v - h.oldestVersion())
	if offset < 0 {
		offset = 0
	}
	if offset >= h.size {
		return nil
	}
	out := make([]Operation, 0, h.size-offset)
	for i := offset; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}
