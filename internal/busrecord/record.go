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

// Package busrecord defines the small, client-agnostic shape this daemon
// needs from the message bus: a partition identity and one record's
// offset and raw value. Keeping it independent of the bus client package
// (internal/consumer) lets the validator, route table and splitter be
// exercised in tests without a running broker.
package busrecord

// Partition identifies one topic-partition on the bus.
type Partition struct {
	Topic     string
	Partition int32
}

// Record is one raw, as-yet-unvalidated message read from the bus.
type Record struct {
	Partition Partition
	Offset    int64
	Value     []byte
}
