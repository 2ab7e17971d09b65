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

package esbulk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wikimedia/cirrus-streaming-updater/internal/bulkaction"
	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esclient"
	"github.com/wikimedia/cirrus-streaming-updater/internal/metrics"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

// resultTruncateLen bounds the rendered response item logged for a
// failed bulk action (spec.md §4.5).
const resultTruncateLen = 512

// Submitter streams validated records to one search cluster at a time as
// bulk update actions.
type Submitter struct {
	fields  config.FieldTable
	docType string
	metrics *metrics.Registry
	logger  log.Logger
	pool    *bufferPool
}

// New builds a Submitter. m's registry is also used to register the buffer pool's
// acquire/release counters, so pool churn shows up in the same registry
// as every other metric this daemon exports.
func New(fields config.FieldTable, docType string, m *metrics.Registry, logger log.Logger) *Submitter {
	return &Submitter{
		fields:  fields,
		docType: docType,
		metrics: m,
		logger:  logger,
		pool:    newBufferPool(m.Registerer()),
	}
}

// Submit streams batch to cluster as one bulk request with per-item-error
// tolerance and classifies every response item (spec.md §4.5). A
// connection-level error from the bulk call itself propagates unwrapped,
// to be treated as fatal by the caller (spec.md §7).
func (s *Submitter) Submit(ctx context.Context, cluster esclient.Cluster, batch []*schema.Record) error {
	if len(batch) == 0 {
		return nil
	}

	actions := make([]bulkaction.Action, len(batch))
	buf := s.pool.get()
	defer s.pool.put(buf)

	enc := json.NewEncoder(buf)
	for i, rec := range batch {
		action, body := bulkaction.Build(rec, s.fields, s.docType)
		actions[i] = action
		if err := enc.Encode(map[string]any{"update": esActionLine(action)}); err != nil {
			return fmt.Errorf("encode bulk action descriptor: %w", err)
		}
		if err := enc.Encode(body); err != nil {
			return fmt.Errorf("encode bulk action body: %w", err)
		}
	}

	resp, err := cluster.Bulk(ctx, buf.Bytes())
	if err != nil {
		return err
	}

	for i, item := range resp.Items {
		var action bulkaction.Action
		if i < len(actions) {
			action = actions[i]
		}
		s.classify(action, item)
	}
	return nil
}

func esActionLine(a bulkaction.Action) map[string]any {
	return map[string]any{
		"_index": a.Index,
		"_type":  a.Type,
		"_id":    a.ID,
	}
}

// classify buckets one bulk response item into the fixed result counters
// of spec.md §4.5.
func (s *Submitter) classify(action bulkaction.Action, item esclient.BulkResponseItem) {
	switch {
	case item.Status >= 200 && item.Status < 300:
		switch item.Result {
		case "updated", "created", "noop":
			s.metrics.BulkAction(item.Result).Inc()
		default:
			s.metrics.BulkAction("ok_unknown").Inc()
		}
	case item.Status == 404:
		// 404s are expected: upstream producers speculatively target
		// namespace aliases that may not exist. Do not log.
		s.metrics.BulkAction("missing").Inc()
	default:
		s.metrics.BulkAction("failed").Inc()
		level.Warn(s.logger).Log(
			"msg", "bulk action failed",
			"index", action.Index,
			"type", action.Type,
			"id", fmt.Sprint(action.ID),
			"response", truncate(string(item.Raw), resultTruncateLen),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
