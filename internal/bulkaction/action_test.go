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

package bulkaction

import (
	"testing"

	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

func TestBuildActionShape(t *testing.T) {
	fields := config.DefaultFieldTable()
	rec := &schema.Record{
		Index:  "enwiki_content",
		ID:     42,
		Source: map[string]any{"popularity_score": 0.5},
	}

	action, body := Build(rec, fields, config.DefaultDocumentType)

	if action.Index != "enwiki_content" || action.Type != "page" || action.ID != 42 {
		t.Fatalf("unexpected action: %+v", action)
	}
	if body.Script.Inline != "super_detect_noop" || body.Script.Lang != "native" {
		t.Fatalf("unexpected script: %+v", body.Script)
	}
	if len(body.Script.Params.Handlers) != len(rec.Source) {
		t.Fatalf("handler map key set %v does not match source key set %v", body.Script.Params.Handlers, rec.Source)
	}
	for field := range rec.Source {
		if _, ok := body.Script.Params.Handlers[field]; !ok {
			t.Errorf("handler map missing field %q present in source", field)
		}
	}
	if body.Script.Params.Handlers["popularity_score"] != "within 20%" {
		t.Errorf("unexpected policy for popularity_score: %q", body.Script.Params.Handlers["popularity_score"])
	}
}

func TestBuildHandlerMapOmitsUnconfiguredFields(t *testing.T) {
	fields := config.FieldTable{"popularity_score": "within 20%"}
	rec := &schema.Record{
		Index:  "x",
		ID:     "1",
		Source: map[string]any{"popularity_score": 1, "unconfigured": 2},
	}
	_, body := Build(rec, fields, "page")
	if len(body.Script.Params.Handlers) != 1 {
		t.Fatalf("expected exactly one handler, got %v", body.Script.Params.Handlers)
	}
}
