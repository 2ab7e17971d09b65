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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wikimedia/cirrus-streaming-updater/internal/config"
	"github.com/wikimedia/cirrus-streaming-updater/internal/consumer"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esbulk"
	"github.com/wikimedia/cirrus-streaming-updater/internal/esclient"
	"github.com/wikimedia/cirrus-streaming-updater/internal/metrics"
	"github.com/wikimedia/cirrus-streaming-updater/internal/route"
	"github.com/wikimedia/cirrus-streaming-updater/internal/schema"
)

func main() {
	a := kingpin.New("bulk-daemon", "Applies partial document updates from the message bus to search clusters.")
	a.HelpFlag.Short('h')

	brokers := a.Flag("brokers", "Comma-separated message bus bootstrap brokers.").Required().String()
	esHosts := a.Flag("es-hosts", "Comma-separated search cluster bootstrap hosts.").Required().String()
	topics := a.Flag("topics", "Comma-separated topics to subscribe to.").Required().String()
	groupID := a.Flag("group-id", "Consumer group id.").Required().String()
	metricsListenAddress := a.Flag("metrics-listen-address", "Address on which to expose metrics.").Default(":9091").String()
	logLevel := a.Flag("log.level", "The level of logging. One of 'debug', 'info', 'warn', 'error'.").Default("info").Enum("debug", "info", "warn", "error")
	documentType := a.Flag("document-type", "Document type used in every bulk update action.").Default(config.DefaultDocumentType).String()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("parsing commandline arguments: %v", err)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	switch strings.ToLower(*logLevel) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg := config.Config{
		Brokers:              splitCSV(*brokers),
		ESHosts:              splitCSV(*esHosts),
		Topics:               splitCSV(*topics),
		GroupID:              *groupID,
		MetricsListenAddress: *metricsListenAddress,
		DocumentType:         *documentType,
		LogLevel:             *logLevel,
		Fields:               config.DefaultFieldTable(),
	}
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	clusters, err := esclient.Connect(ctx, cfg.ESHosts)
	cancelConnect()
	if err != nil {
		level.Error(logger).Log("msg", "connecting to search clusters failed", "err", err)
		os.Exit(1)
	}

	reg := metrics.New()
	for _, c := range clusters {
		reg.ClusterConnected.WithLabelValues(c.Name()).Set(1)
		level.Info(logger).Log("msg", "connected to search cluster", "cluster", c.Name())
	}

	validator, err := schema.NewValidator(cfg.Fields)
	if err != nil {
		level.Error(logger).Log("msg", "compiling update request schema failed", "err", err)
		os.Exit(1)
	}

	table := route.New(clusters)
	submitter := esbulk.New(cfg.Fields, cfg.DocumentType, reg, logger)

	loop, err := consumer.New(cfg, clusters, validator, table, submitter, reg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "creating consume loop failed", "err", err)
		os.Exit(1)
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return loop.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received termination signal, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		server := &http.Server{Addr: cfg.MetricsListenAddress}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{Registry: reg.Registerer()}))
		server.Handler = mux

		g.Add(func() error {
			level.Info(logger).Log("msg", "starting metrics server", "listen", cfg.MetricsListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "running bulk daemon failed", "err", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
