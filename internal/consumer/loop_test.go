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

package consumer

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/wikimedia/cirrus-streaming-updater/internal/busrecord"
)

func newTestLoop() *Loop {
	return &Loop{staged: make(map[string]map[int32]kgo.EpochOffset)}
}

func TestStageOffsetsTracksHighestPlusOnePerPartition(t *testing.T) {
	l := newTestLoop()
	part := busrecord.Partition{Topic: "page.update", Partition: 0}
	poll := map[busrecord.Partition][]busrecord.Record{
		part: {
			{Partition: part, Offset: 5},
			{Partition: part, Offset: 7},
			{Partition: part, Offset: 6},
		},
	}

	l.stageOffsets(poll)

	got := l.staged["page.update"][0]
	if got.Offset != 8 {
		t.Errorf("staged offset = %d, want 8 (highest seen offset + 1)", got.Offset)
	}
}

func TestStageOffsetsAcrossSuccessivePolls(t *testing.T) {
	l := newTestLoop()
	part := busrecord.Partition{Topic: "page.update", Partition: 0}

	l.stageOffsets(map[busrecord.Partition][]busrecord.Record{part: {{Partition: part, Offset: 2}}})
	l.stageOffsets(map[busrecord.Partition][]busrecord.Record{part: {{Partition: part, Offset: 9}}})

	if got := l.staged["page.update"][0].Offset; got != 10 {
		t.Errorf("staged offset after second poll = %d, want 10", got)
	}
}

func TestOnPartitionsRevokedDiscardsStagedOffsets(t *testing.T) {
	l := newTestLoop()
	l.staged["page.update"] = map[int32]kgo.EpochOffset{
		0: {Epoch: -1, Offset: 5},
		1: {Epoch: -1, Offset: 9},
	}

	l.onPartitionsRevoked(context.Background(), nil, map[string][]int32{"page.update": {0}})

	if _, ok := l.staged["page.update"][0]; ok {
		t.Errorf("expected partition 0 offset to be discarded on revocation")
	}
	if _, ok := l.staged["page.update"][1]; !ok {
		t.Errorf("expected partition 1 offset to survive revocation of partition 0")
	}
}

func TestTakeStagedClearsTheStagingMap(t *testing.T) {
	l := newTestLoop()
	l.staged["page.update"] = map[int32]kgo.EpochOffset{0: {Epoch: -1, Offset: 5}}

	taken := l.takeStaged()
	if taken["page.update"][0].Offset != 5 {
		t.Fatalf("expected taken snapshot to contain the staged offset")
	}
	if len(l.staged) != 0 {
		t.Errorf("expected takeStaged to clear the loop's staging map, got %v", l.staged)
	}

	taken["page.update"][0] = kgo.EpochOffset{Epoch: -1, Offset: 999}
	l.staged["page.update"] = map[int32]kgo.EpochOffset{0: {Epoch: -1, Offset: 1}}
	if taken["page.update"][0].Offset != 999 {
		t.Errorf("expected taken snapshot and a freshly staged offset to be independent maps")
	}
}

func TestTakeStagedEmptyYieldsEmptyMap(t *testing.T) {
	l := newTestLoop()
	taken := l.takeStaged()
	if len(taken) != 0 {
		t.Errorf("expected empty snapshot, got %v", taken)
	}
}
