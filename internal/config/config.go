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

import "fmt"

// DefaultDocumentType is the literal document type used in every bulk
// update action. Newer search-engine versions deprecate typed indices;
// rather than bake the literal into the action builder we carry it here
// as a configuration value so a future migration away from typed
// documents is a flag change, not a code change.
const DefaultDocumentType = "page"

// Config holds the validated startup inputs of the daemon: the message
// bus bootstrap list, the search cluster bootstrap hosts, the topic
// subscription list, the consumer group id, the metrics listen address
// and the document type used for bulk actions.
type Config struct {
	Brokers              []string
	ESHosts              []string
	Topics               []string
	GroupID              string
	MetricsListenAddress string
	DocumentType         string
	LogLevel             string
	Fields               FieldTable
}

// Validate checks that every required startup input was supplied. It does
// not attempt to contact any broker or cluster; connectivity failures are
// handled, and classified, where they occur (internal/esclient, internal/consumer).
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one message bus broker is required")
	}
	if len(c.ESHosts) == 0 {
		return fmt.Errorf("at least one search cluster bootstrap host is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("a consumer group id is required")
	}
	if c.DocumentType == "" {
		return fmt.Errorf("document type must not be empty")
	}
	return nil
}
