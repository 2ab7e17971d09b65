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

// Package splitter implements the splitter (C4): it validates each raw
// bus record through the schema validator and partitions a poll batch
// into per-cluster sub-batches using the current route table (spec.md
// §4.4).
package splitter

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wikimedia/cirrus-streaming-updater/internal/busrecord"
	"github.com/wikimedia/cirrus-streaming-updater/internal/metrics"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

// malformedPrefixLen is the maximum number of bytes of a malformed or
// oversized payload logged for diagnostics (spec.md §4.1).
const malformedPrefixLen = 128

// Split validates and routes one poll batch. It returns one slice of
// validated records per entry in table, in the same order.
//
// For each raw record: a decode failure or schema violation drops the
// record and increments invalid_records{fail_validate}; a valid record
// whose _index is not recognized by any cluster in table drops the
// record and increments invalid_records{missing_index}; otherwise the
// record is appended to the sub-batch of the lowest-indexed cluster
// whose set contains _index (first match wins — spec.md §4.4 tie-break).
func Split(
	poll map[busrecord.Partition][]busrecord.Record,
	table []map[string]struct{},
	validator *schema.Validator,
	reg *metrics.Registry,
	logger log.Logger,
) [][]*schema.Record {
	out := make([][]*schema.Record, len(table))

	for _, records := range poll {
		for _, raw := range records {
			rec, violations, err := validator.Validate(raw.Value)
			if err != nil {
				reg.FailValidate.Inc()
				level.Warn(logger).Log("msg", "invalid message", "prefix", truncatePrefix(raw.Value))
				continue
			}
			if violations != nil {
				reg.FailValidate.Inc()
				level.Warn(logger).Log("msg", "schema validation failed", "errors", strings.Join(violations, "; "))
				continue
			}

			placed := false
			for i, names := range table {
				if _, ok := names[rec.Index]; ok {
					out[i] = append(out[i], rec)
					placed = true
					break
				}
			}
			if !placed {
				reg.MissingIndex.Inc()
				level.Warn(logger).Log("msg", "could not find cluster for index", "index", rec.Index)
			}
		}
	}
	return out
}

func truncatePrefix(value []byte) string {
	if len(value) <= malformedPrefixLen {
		return string(value)
	}
	return string(value[:malformedPrefixLen])
}
