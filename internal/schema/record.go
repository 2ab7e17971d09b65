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

// Package schema implements the record validator (C1): it decodes one
// raw bus payload as UTF-8 JSON and enforces the fixed update-request
// schema from spec.md §3 against the configured field table.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
)

// Record is one validated, normalized update request.
type Record struct {
	// Index is the target index name the caller asked to update.
	Index string
	// ID is the document id, an opaque token: string or number exactly
	// as received, never coerced (per spec.md Design Note 3).
	ID any
	// Source holds the validated set of field updates.
	Source map[string]any
}

// Validator is a precompiled, stateless schema check. Construct once per
// process and reuse for every record (spec.md §4.1, Design Note 2).
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the schema for the given field table.
func NewValidator(fields config.FieldTable) (*Validator, error) {
	raw, err := buildSchemaDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("build schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://update-request.json"
	if err := compiler.AddResource(resourceURL, raw); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// buildSchemaDocument renders the update-request schema as a decoded JSON
// value (map[string]any), which is what jsonschema/v6's compiler expects
// from AddResource.
func buildSchemaDocument(fields config.FieldTable) (any, error) {
	properties := make(map[string]any, len(fields))
	for name := range fields {
		properties[name] = map[string]any{"type": []any{"number", "string"}}
	}

	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"_index", "_id", "_source"},
		"properties": map[string]any{
			"_index": map[string]any{"type": "string", "minLength": 1},
			"_id":    map[string]any{"type": []any{"string", "integer"}},
			"_source": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"minProperties":        1,
				"properties":           properties,
			},
		},
	}

	// Round-trip through JSON so numeric literals above come back as the
	// json.Number values the schema compiler expects, same as any schema
	// loaded from disk would.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Validate decodes payload as UTF-8 JSON and checks it against the
// compiled schema.
//
// A decode error (non-UTF-8, non-JSON) is returned as err; the caller is
// responsible for logging a truncated prefix and counting it under
// invalid_records{reason=fail_validate} per spec.md §7 ("Malformed
// payload").
//
// A schema violation returns (nil, violations, nil) with every violation
// message collected, not just the first, per spec.md §4.1.
func (v *Validator) Validate(payload []byte) (*Record, []string, error) {
	if !utf8.Valid(payload) {
		return nil, nil, fmt.Errorf("decode payload: invalid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, nil, fmt.Errorf("decode payload: trailing data after JSON value")
	}

	if err := v.schema.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return nil, flattenViolations(verr), nil
		}
		return nil, []string{err.Error()}, nil
	}

	m, ok := doc.(map[string]any)
	if !ok {
		return nil, []string{"top-level value is not an object"}, nil
	}
	source, _ := m["_source"].(map[string]any)

	return &Record{
		Index:  m["_index"].(string),
		ID:     m["_id"],
		Source: source,
	}, nil, nil
}

// flattenViolations walks a jsonschema.ValidationError's cause tree and
// collects one message per leaf, so every violation in a record is
// reported rather than just the first.
func flattenViolations(err *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	return out
}
