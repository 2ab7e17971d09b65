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

package config

// FieldTable maps an updatable _source field name to the no-op policy
// string its downstream scripted update should apply when comparing
// incoming and stored values (e.g. "within 20%"). The set is fixed at
// build time: spec.md explicitly excludes dynamic schema evolution.
type FieldTable map[string]string

// DefaultFieldTable is the field set this daemon ships with. Extending it
// to cover a new updatable field is a one-line change here; every other
// package (schema, bulkaction) derives its view of "the configured field
// set" from this table instead of hard-coding its own copy.
func DefaultFieldTable() FieldTable {
	return FieldTable{
		"popularity_score": "within 20%",
	}
}
