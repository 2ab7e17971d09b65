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

// Package esclient wraps the search-engine client library (go-elasticsearch)
// behind the small surface this daemon needs: cluster identity, alias
// discovery, and bulk submission. Keeping that surface as an interface
// lets internal/route and internal/esbulk be exercised against a fake
// cluster in tests (spec.md §1: "the search-engine client library...is
// an external dependency; we specify only the contracts the core needs
// from them").
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
)

// Cluster is the contract C3 (route table) and C5 (bulk submitter) need
// from one search cluster.
type Cluster interface {
	// Name identifies the cluster for logs and metrics.
	Name() string
	// Aliases returns the set of index names and alias names this
	// cluster will accept in a bulk action (spec.md §3 Route table).
	Aliases(ctx context.Context) (map[string]struct{}, error)
	// Bulk submits a pre-encoded NDJSON bulk request body and returns
	// the per-item classification the caller needs (spec.md §4.5). Only
	// connection-level errors are returned as err; per-item failures are
	// reported in the response.
	Bulk(ctx context.Context, body []byte) (*BulkResponse, error)
}

// BulkResponse is the daemon's normalized view of an Elasticsearch bulk
// API response: one BulkResponseItem per submitted action, in submission
// order.
type BulkResponse struct {
	Items []BulkResponseItem
}

// BulkResponseItem is the outcome of a single bulk action. Op is the
// sole operation key found in the item object ("update" today), extracted
// without hardcoding the key name so a future parameterized operation
// kind needs no change here (spec.md Design Note 4, the "popitem" idiom).
type BulkResponseItem struct {
	Op     string
	Status int
	Result string
	Raw    json.RawMessage
}

type cluster struct {
	name   string
	uuid   string
	client *elasticsearch.Client
}

func (c *cluster) Name() string { return c.name }

// UUID is exposed for startup-time duplicate detection (Connect below);
// callers of the Cluster interface never need it again afterwards.
func (c *cluster) UUID() string { return c.uuid }

func (c *cluster) Aliases(ctx context.Context) (map[string]struct{}, error) {
	res, err := c.client.Indices.GetAlias(c.client.Indices.GetAlias.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get alias on cluster %s: %w", c.name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("get alias on cluster %s: %s", c.name, res.String())
	}
	names, err := parseAliases(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decode alias response from cluster %s: %w", c.name, err)
	}
	return names, nil
}

// parseAliases unions index names and alias keys from a GET _alias
// response body into the recognized-name set of spec.md §3.
func parseAliases(body io.Reader) (map[string]struct{}, error) {
	var parsed map[string]struct {
		Aliases map[string]json.RawMessage `json:"aliases"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(parsed))
	for index, data := range parsed {
		names[index] = struct{}{}
		for alias := range data.Aliases {
			names[alias] = struct{}{}
		}
	}
	return names, nil
}

func (c *cluster) Bulk(ctx context.Context, body []byte) (*BulkResponse, error) {
	res, err := c.client.Bulk(bytes.NewReader(body), c.client.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request to cluster %s: %w", c.name, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		// A transport-level non-2xx covering the whole request (as
		// opposed to a per-item status inside a 2xx envelope) is a
		// connectivity-class failure: propagate it (spec.md §7).
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("bulk request to cluster %s failed: status=%d body=%s", c.name, res.StatusCode, truncate(data, 512))
	}
	parsed, err := parseBulkResponse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decode bulk response from cluster %s: %w", c.name, err)
	}
	return parsed, nil
}

// parseBulkResponse decodes a bulk API response body into the daemon's
// normalized per-item view. Each item object must carry exactly one
// operation key; it is extracted without hardcoding the key name (spec.md
// Design Note 4, the "popitem" idiom) so a future parameterized
// operation kind needs no change here.
func parseBulkResponse(body io.Reader) (*BulkResponse, error) {
	var parsed struct {
		Items []map[string]json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, err
	}

	items := make([]BulkResponseItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if len(item) != 1 {
			return nil, fmt.Errorf("bulk response item does not carry exactly one operation key: %v", item)
		}
		for op, raw := range item {
			var detail struct {
				Status int    `json:"status"`
				Result string `json:"result"`
			}
			if err := json.Unmarshal(raw, &detail); err != nil {
				return nil, err
			}
			items = append(items, BulkResponseItem{
				Op:     op,
				Status: detail.Status,
				Result: detail.Result,
				Raw:    raw,
			})
		}
	}
	return &BulkResponse{Items: items}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// Connect builds one Cluster per bootstrap host and validates the
// cluster-UUID-uniqueness invariant of spec.md §3: two bootstrap hosts
// resolving to the same cluster UUID is a configuration error that
// aborts startup (spec.md §7).
func Connect(ctx context.Context, hosts []string) ([]Cluster, error) {
	var seen uuidRegistry
	clusters := make([]Cluster, 0, len(hosts))

	for _, host := range hosts {
		client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{host}})
		if err != nil {
			return nil, fmt.Errorf("create client for %s: %w", host, err)
		}

		res, err := client.Info(client.Info.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("info request to %s: %w", host, err)
		}
		var info struct {
			ClusterName string `json:"cluster_name"`
			ClusterUUID string `json:"cluster_uuid"`
		}
		decodeErr := json.NewDecoder(res.Body).Decode(&info)
		res.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode info response from %s: %w", host, decodeErr)
		}
		if res.IsError() {
			return nil, fmt.Errorf("info request to %s failed: %s", host, res.String())
		}

		if err := seen.claim(info.ClusterUUID, info.ClusterName, host); err != nil {
			return nil, err
		}

		clusters = append(clusters, &cluster{
			name:   info.ClusterName,
			uuid:   info.ClusterUUID,
			client: client,
		})
	}
	return clusters, nil
}

// uuidRegistry enforces the cluster-UUID-uniqueness invariant of spec.md
// §3 independently of any network call, so it can be unit tested without
// a live cluster.
type uuidRegistry map[string]string // uuid -> host that claimed it

func (r *uuidRegistry) claim(uuid, clusterName, host string) error {
	if *r == nil {
		*r = make(uuidRegistry)
	}
	if other, dup := (*r)[uuid]; dup {
		return fmt.Errorf("cluster %s (uuid %s) seen from more than one bootstrap host: %s and %s", clusterName, uuid, other, host)
	}
	(*r)[uuid] = host
	return nil
}
