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

// Package consumer implements the consume loop (C6): it polls the
// message bus, routes and submits each batch, and manages manual offset
// commits under at-least-once delivery semantics (spec.md §4.6).
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/wikimedia/cirrus-streaming-updater/internal/busrecord"
	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esbulk"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esclient"
	"github.com/wikimedia/cirrus-streaming-updater/internal/metrics"
	"github.com/wikimedia/cirrus-streaming-updater/internal/route"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
	"github.com/wikimedia/cirrus-streaming-updater/internal/splitter"
)

// commitInterval is how often staged offsets are committed asynchronously
// while the loop is running (spec.md §4.6).
const commitInterval = 60 * time.Second

// pollTimeout bounds one PollRecords call so the commit ticker and
// shutdown signal are never starved behind a quiet topic.
const pollTimeout = 60 * time.Second

// maxPollRecords caps the number of records a single poll returns
// (spec.md §6, §4.6 step 2).
const maxPollRecords = 2000

// Loop owns the message bus client and drives one poll-route-submit-commit
// cycle at a time.
type Loop struct {
	client    *kgo.Client
	clusters  []esclient.Cluster
	table     *route.Table
	validator *schema.Validator
	submitter *esbulk.Submitter
	metrics   *metrics.Registry
	logger    log.Logger

	mu     sync.Mutex
	staged map[string]map[int32]kgo.EpochOffset
}

// New builds a Loop and its underlying bus client. The client disables
// auto-commit since offsets are only ever advanced by this package, after
// a batch has been fully submitted (spec.md §4.6).
func New(
	cfg config.Config,
	clusters []esclient.Cluster,
	validator *schema.Validator,
	table *route.Table,
	submitter *esbulk.Submitter,
	m *metrics.Registry,
	logger log.Logger,
) (*Loop, error) {
	l := &Loop{
		clusters:  clusters,
		table:     table,
		validator: validator,
		submitter: submitter,
		metrics:   m,
		logger:    logger,
		staged:    make(map[string]map[int32]kgo.EpochOffset),
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(l.onPartitionsRevoked),
	)
	if err != nil {
		return nil, fmt.Errorf("create message bus client: %w", err)
	}
	l.client = client
	return l, nil
}

// onPartitionsRevoked discards staged, uncommitted offsets for any
// partition this member is about to lose. Committing them after losing
// ownership would race a new owner's own commits (spec.md Open Question:
// rebalance handling).
func (l *Loop) onPartitionsRevoked(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for topic, partitions := range revoked {
		offsets, ok := l.staged[topic]
		if !ok {
			continue
		}
		for _, p := range partitions {
			delete(offsets, p)
		}
	}
}

// Run drives the poll-route-submit-commit cycle until ctx is cancelled or
// a poll batch fails. On either exit it commits every staged offset
// synchronously before returning, so already-processed work is not
// dropped; the client is closed afterwards even if that commit fails.
func (l *Loop) Run(ctx context.Context) error {
	defer l.client.Close()

	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.commitSync(context.Background())
		case <-ticker.C:
			l.commitAsync()
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
		fetches := l.client.PollRecords(pollCtx, maxPollRecords)
		cancel()

		if ctx.Err() != nil {
			return l.commitSync(context.Background())
		}

		for _, err := range fetches.Errors() {
			level.Error(l.logger).Log("msg", "poll fetch error", "topic", err.Topic, "partition", err.Partition, "err", err.Err)
		}

		poll := toBusRecords(fetches)
		if len(poll) == 0 {
			continue
		}

		if err := l.processPoll(ctx, poll); err != nil {
			if cerr := l.commitSync(context.Background()); cerr != nil {
				level.Error(l.logger).Log("msg", "final offset commit failed", "err", cerr)
			}
			return err
		}
	}
}

// processPoll validates, routes and submits one poll batch, then stages
// its offsets for commit. A connectivity-level failure anywhere in the
// batch aborts without staging, so the whole poll is redelivered on
// restart (spec.md §7).
func (l *Loop) processPoll(ctx context.Context, poll map[busrecord.Partition][]busrecord.Record) error {
	recordCount := 0
	for _, records := range poll {
		recordCount += len(records)
	}
	l.metrics.RecordsTotal.Add(float64(recordCount))

	table, err := l.table.Get(ctx)
	if err != nil {
		return fmt.Errorf("refresh route table: %w", err)
	}

	timer := prometheus.NewTimer(l.metrics.SubmitBatchSeconds)
	defer timer.ObserveDuration()

	batches := splitter.Split(poll, table, l.validator, l.metrics, l.logger)
	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if err := l.submitter.Submit(ctx, l.clusters[i], batch); err != nil {
			return fmt.Errorf("submit batch to cluster %s: %w", l.clusters[i].Name(), err)
		}
	}

	l.stageOffsets(poll)
	return nil
}

func (l *Loop) stageOffsets(poll map[busrecord.Partition][]busrecord.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for part, records := range poll {
		offsets, ok := l.staged[part.Topic]
		if !ok {
			offsets = make(map[int32]kgo.EpochOffset)
			l.staged[part.Topic] = offsets
		}
		maxOffset := offsets[part.Partition].Offset
		for _, r := range records {
			if r.Offset+1 > maxOffset {
				maxOffset = r.Offset + 1
			}
		}
		offsets[part.Partition] = kgo.EpochOffset{Epoch: -1, Offset: maxOffset}
	}
}

// commitAsync fires a non-blocking periodic commit of every staged offset,
// then clears the staging map (spec.md §3 Lifecycles, §4.6 step 1). A
// commit that later fails is not restaged: the next poll's processing
// will stage a higher offset anyway, and at-least-once delivery tolerates
// a missed commit.
func (l *Loop) commitAsync() {
	toCommit := l.takeStaged()
	if len(toCommit) == 0 {
		return
	}
	l.client.CommitOffsets(context.Background(), toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			level.Warn(l.logger).Log("msg", "offset commit failed", "err", err)
		}
	})
}

// commitSync blocks until a final commit of every staged offset completes,
// so a graceful shutdown never returns before its work is durable.
func (l *Loop) commitSync(ctx context.Context) error {
	toCommit := l.takeStaged()
	if len(toCommit) == 0 {
		return nil
	}
	done := make(chan error, 1)
	l.client.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeStaged returns every currently staged offset and resets the staging
// map to empty in the same locked section, so offsets handed off for
// commit are never re-committed on a later tick (spec.md §3 Lifecycles,
// §4.6 step 1).
func (l *Loop) takeStaged() map[string]map[int32]kgo.EpochOffset {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.staged
	l.staged = make(map[string]map[int32]kgo.EpochOffset)
	return out
}

func toBusRecords(fetches kgo.Fetches) map[busrecord.Partition][]busrecord.Record {
	out := make(map[busrecord.Partition][]busrecord.Record)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		part := busrecord.Partition{Topic: p.Topic, Partition: p.Partition}
		records := make([]busrecord.Record, 0, len(p.Records))
		for _, r := range p.Records {
			records = append(records, busrecord.Record{Partition: part, Offset: r.Offset, Value: r.Value})
		}
		if len(records) > 0 {
			out[part] = records
		}
	})
	return out
}
