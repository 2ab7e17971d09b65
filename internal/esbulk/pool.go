// Copyright 2024 Wikimedia Foundation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package esbulk implements the bulk submitter (C5): it streams a
// validated sub-batch to one search cluster as bulk update actions and
// classifies every response item into the fixed result buckets of
// spec.md §4.5.
package esbulk

import (
	"bytes"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streaming_updater",
		Name:      "bulk_buffer_acquired_total",
		Help:      "Bulk request buffers taken from the reuse pool.",
	})
	bufferReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streaming_updater",
		Name:      "bulk_buffer_released_total",
		Help:      "Bulk request buffers returned to the reuse pool.",
	})
)

// bufferPool is a free list of NDJSON encoding buffers, one per
// in-flight bulk submission. Adapted from the teacher's interned object
// pool (pkg/export/pool.go): same mutex-guarded free list and
// acquire/release counters registered against the shared metrics
// registry, with the pooled object swapped from a proto label set to a
// plain *bytes.Buffer since a bulk request body has no sub-structure
// worth interning.
type bufferPool struct {
	mtx  sync.Mutex
	free []*bytes.Buffer
}

func newBufferPool(reg prometheus.Registerer) *bufferPool {
	if reg != nil {
		reg.MustRegister(bufferAcquired, bufferReleased)
	}
	return &bufferPool{}
}

func (p *bufferPool) get() *bytes.Buffer {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	bufferAcquired.Inc()
	n := len(p.free)
	if n == 0 {
		return &bytes.Buffer{}
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	buf.Reset()
	return buf
}

func (p *bufferPool) put(buf *bytes.Buffer) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	bufferReleased.Inc()
	p.free = append(p.free, buf)
}
