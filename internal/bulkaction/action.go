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

// Package bulkaction implements the action builder (C2): a pure
// transform from a validated record into the bulk-update action
// descriptor and scripted-update body described in spec.md §3/§4.2.
package bulkaction

import (
	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

// scriptName and scriptLang are fixed by spec.md §4.2.
const (
	scriptName = "super_detect_noop"
	scriptLang = "native"
)

// Action is the bulk action descriptor: operation=update against one
// index, document type and id.
type Action struct {
	Index string
	Type  string
	ID    any
}

// Body is the scripted-update invocation sent alongside the action
// descriptor.
type Body struct {
	Script Script `json:"script"`
}

// Script names the no-op-aware update routine and its parameters.
type Script struct {
	Inline string `json:"inline"`
	Lang   string `json:"lang"`
	Params Params `json:"params"`
}

// Params carries the per-field no-op policy map and the verbatim source
// update.
type Params struct {
	Handlers map[string]string `json:"handlers"`
	Source   map[string]any    `json:"source"`
}

// Build transforms a validated record into its bulk action and body.
// The handler map is restricted to fields present in the record's
// source, intersected with the configured field table; the schema
// already guarantees this is a subset, so the intersection here is a
// safety restatement (spec.md §4.2), not a filter that can reject data.
func Build(rec *schema.Record, fields config.FieldTable, docType string) (Action, Body) {
	handlers := make(map[string]string, len(rec.Source))
	for field := range rec.Source {
		if policy, ok := fields[field]; ok {
			handlers[field] = policy
		}
	}

	action := Action{
		Index: rec.Index,
		Type:  docType,
		ID:    rec.ID,
	}
	body := Body{
		Script: Script{
			Inline: scriptName,
			Lang:   scriptLang,
			Params: Params{
				Handlers: handlers,
				Source:   rec.Source,
			},
		},
	}
	return action, body
}
