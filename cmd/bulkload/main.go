// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Command bulkload loads an NDJSON file into Elasticsearch, going through
// a complete bulk load session: the index is recreated with its registered
// mapping, relaxed for bulk loading, loaded, and restored.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/elastic/go-bulkloader"
)

var (
	configPath = flag.String("config", "bulkload.toml", "Path to the TOML configuration file")
	index      = flag.String("index", "", "Logical index to load documents into (required)")
	docType    = flag.String("type", "_doc", "Document type of the loaded documents")
	idField    = flag.String("id-field", "id", "Document field holding its ID, documents without one get a random ID")
	input      = flag.String("input", "-", "NDJSON file to load, - reads stdin")
	recreate   = flag.Bool("recreate", true, "Delete and create the index before loading")
	dryRun     = flag.Bool("dry-run", false, "Go through the session without writing to Elasticsearch")
	verbose    = flag.Bool("v", false, "Enable development logging")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bulkload: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *index == "" {
		flag.Usage()
		return fmt.Errorf("-index is required")
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dryRun {
		cfg.DryRun = true
	}
	loaderCfg, err := cfg.loaderConfig(logger)
	if err != nil {
		return err
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
		APIKey:    cfg.Elasticsearch.APIKey,
		Transport: apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	if err != nil {
		return fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	loader, err := bulkloader.New(client, loaderCfg)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{
		loader:   loader,
		logger:   logger,
		index:    *index,
		docType:  *docType,
		idField:  *idField,
		recreate: *recreate,
	}
	n, err := s.run(ctx, r)
	stats := loader.Stats()
	logger.Info("bulk load session ended",
		zap.Int("documents", n),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("bulk_requests", stats.BulkRequests),
		zap.Int64("retries", stats.Retries),
		zap.Int64("bytes", stats.BytesTotal),
		zap.Bool("dry_run", cfg.DryRun),
	)
	return err
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
