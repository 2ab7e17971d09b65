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

// Package route implements the route table (C3): a memoized producer of
// the per-cluster set of addressable index and alias names, refreshed
// with a fixed TTL (spec.md §4.3).
//
// Modeled as a small struct holding a cached value and a monotonic
// deadline rather than a general-purpose cache, per spec.md Design Note
// 1 — the same nextRefresh-deadline idiom the teacher's series cache
// uses for its own per-entry refresh timestamps, generalized here to one
// key-less entry.
package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wikimedia/cirrus-streaming-updater/internal/esclient"
)

// TTL is the fixed lifetime of a route table read before it triggers a
// refresh. Not configurable, per spec.md §4.3.
const TTL = 300 * time.Second

// Table is the ordered list of per-cluster name sets, parallel to the
// configured cluster list, behind a TTL cache.
type Table struct {
	clusters []esclient.Cluster
	now      func() time.Time

	mu         sync.Mutex
	value      []map[string]struct{}
	validUntil time.Time
}

// New builds a Table for the given ordered cluster list. The table is
// empty until the first Get call (spec.md §3: "created lazily on first
// need").
func New(clusters []esclient.Cluster) *Table {
	return &Table{clusters: clusters, now: time.Now}
}

// Get returns the current routing, refreshing it first if the cached
// value is missing or past its TTL. A refresh failure on any one cluster
// aborts the whole rebuild and is returned to the caller without
// disturbing the previously cached value (spec.md §4.3: "partial failure
// during rebuild propagates as an exception to the caller").
func (t *Table) Get(ctx context.Context) ([]map[string]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.value != nil && now.Before(t.validUntil) {
		return t.value, nil
	}

	fresh := make([]map[string]struct{}, len(t.clusters))
	for i, c := range t.clusters {
		names, err := c.Aliases(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh route table: cluster %s: %w", c.Name(), err)
		}
		fresh[i] = names
	}

	t.value = fresh
	t.validUntil = now.Add(TTL)
	return t.value, nil
}
