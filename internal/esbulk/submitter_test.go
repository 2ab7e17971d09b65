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
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esclient"
	"github.com/wikimedia/cirrus-streaming-updater/internal/metrics"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

type fakeBulkCluster struct {
	name  string
	resp  *esclient.BulkResponse
	err   error
	calls int
	body  []byte
}

func (f *fakeBulkCluster) Name() string { return f.name }

func (f *fakeBulkCluster) Aliases(ctx context.Context) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeBulkCluster) Bulk(ctx context.Context, body []byte) (*esclient.BulkResponse, error) {
	f.calls++
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestSubmitter() (*Submitter, *metrics.Registry) {
	reg := metrics.New()
	s := New(config.DefaultFieldTable(), "page", reg, log.NewNopLogger())
	return s, reg
}

func TestSubmitClassifiesEveryResultBucket(t *testing.T) {
	s, reg := newTestSubmitter()
	batch := []*schema.Record{
		{Index: "enwiki_content", ID: "1", Source: map[string]any{"popularity_score": 0.1}},
		{Index: "enwiki_content", ID: "2", Source: map[string]any{"popularity_score": 0.2}},
		{Index: "enwiki_content", ID: "3", Source: map[string]any{"popularity_score": 0.3}},
		{Index: "enwiki_content", ID: "4", Source: map[string]any{"popularity_score": 0.4}},
		{Index: "enwiki_content", ID: "5", Source: map[string]any{"popularity_score": 0.5}},
		{Index: "enwiki_content", ID: "6", Source: map[string]any{"popularity_score": 0.6}},
	}
	cluster := &fakeBulkCluster{
		name: "test",
		resp: &esclient.BulkResponse{Items: []esclient.BulkResponseItem{
			{Op: "update", Status: 200, Result: "updated"},
			{Op: "update", Status: 201, Result: "created"},
			{Op: "update", Status: 200, Result: "noop"},
			{Op: "update", Status: 200, Result: "weird-future-result"},
			{Op: "update", Status: 404, Result: ""},
			{Op: "update", Status: 409, Result: "", Raw: []byte(`{"status":409,"error":"conflict"}`)},
		}},
	}

	if err := s.Submit(context.Background(), cluster, batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if cluster.calls != 1 {
		t.Fatalf("expected exactly one bulk call, got %d", cluster.calls)
	}

	for _, tc := range []struct {
		result string
		want   float64
	}{
		{"updated", 1},
		{"created", 1},
		{"noop", 1},
		{"ok_unknown", 1},
		{"missing", 1},
		{"failed", 1},
	} {
		if got := testutil.ToFloat64(reg.BulkAction(tc.result)); got != tc.want {
			t.Errorf("bulk_action_total{result=%s} = %v, want %v", tc.result, got, tc.want)
		}
	}
}

func TestSubmitEmptyBatchDoesNotCallCluster(t *testing.T) {
	s, _ := newTestSubmitter()
	cluster := &fakeBulkCluster{name: "test", resp: &esclient.BulkResponse{}}

	if err := s.Submit(context.Background(), cluster, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if cluster.calls != 0 {
		t.Errorf("expected no bulk call for an empty batch, got %d", cluster.calls)
	}
}

func TestSubmitPropagatesConnectivityError(t *testing.T) {
	s, _ := newTestSubmitter()
	cluster := &fakeBulkCluster{name: "test", err: errConnRefused}
	batch := []*schema.Record{{Index: "x", ID: "1", Source: map[string]any{"popularity_score": 0.1}}}

	if err := s.Submit(context.Background(), cluster, batch); err == nil {
		t.Fatal("expected connectivity error to propagate")
	}
}

func TestSubmitReusesPooledBuffer(t *testing.T) {
	s, _ := newTestSubmitter()
	batch := []*schema.Record{{Index: "x", ID: "1", Source: map[string]any{"popularity_score": 0.1}}}
	cluster := &fakeBulkCluster{name: "test", resp: &esclient.BulkResponse{
		Items: []esclient.BulkResponseItem{{Op: "update", Status: 200, Result: "updated"}},
	}}

	if err := s.Submit(context.Background(), cluster, batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	buf := s.pool.get()
	if buf.Cap() == 0 {
		t.Errorf("expected the buffer used by the submission back from the pool, got a fresh one")
	}
	if buf.Len() != 0 {
		t.Errorf("expected the submission buffer to have been reset and returned to the pool, got %q", buf.String())
	}
}

var errConnRefused = &testError{"connection refused"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
