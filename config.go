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

package bulkloader

import (
	"errors"
	"fmt"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultChunkSize              = 1000
	defaultMinFlushInterval       = 60 * time.Second
	defaultMaxFlushInterval       = 120 * time.Second
	defaultMaxRetry               = 10
	defaultDeletePropagationDelay = 500 * time.Millisecond
	defaultMaxConcurrentRestores  = 2
)

// Config holds configuration for Loader.
type Config struct {
	// Logger holds an optional Logger to use for logging bulk requests,
	// retries and index lifecycle operations.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. When set, each
	// flush is recorded as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record loader metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// ReleaseVersion is prefixed to logical index names, see ResolveIndex.
	// It must not be empty.
	ReleaseVersion string

	// IndexOverrides maps logical index names to custom physical names.
	// The table is read only.
	IndexOverrides map[string]string

	// UseIndexOverrides enables lookups in IndexOverrides. It applies to
	// document routing and index administration alike.
	UseIndexOverrides bool

	// Mappings holds the registered index mappings, evaluated in order
	// when an index is created.
	Mappings []IndexMapping

	// ChunkSize holds the number of buffered documents that triggers a flush.
	//
	// If ChunkSize is zero, the default of 1000 will be used.
	ChunkSize int

	// MinFlushInterval and MaxFlushInterval bound the flush interval of a
	// Loader. Each Loader draws its interval once, uniformly in
	// [MinFlushInterval, MaxFlushInterval), so that many loaders writing to
	// the same cluster do not flush in lockstep.
	//
	// If zero, the defaults of 60 and 120 seconds will be used.
	MinFlushInterval time.Duration
	MaxFlushInterval time.Duration

	// MaxRetry holds the maximum number of bulk request attempts for a
	// buffer before Flush gives up.
	//
	// If MaxRetry is zero, the default of 10 will be used.
	MaxRetry int

	// RetryBackoff returns how long to wait before the given retry,
	// starting at 1.
	//
	// If RetryBackoff is nil, a linear backoff of 5 seconds per retry is used.
	RetryBackoff func(retry int) time.Duration

	// DeletePropagationDelay holds how long CreateNewIndex waits after
	// deleting an existing index.
	//
	// If zero, the default of 500ms will be used. Negative values disable
	// the wait.
	DeletePropagationDelay time.Duration

	// MaxConcurrentRestores bounds the number of indices restored in
	// parallel by RestoreAfterBulkLoad.
	//
	// If zero, the default of 2 will be used.
	MaxConcurrentRestores int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// IncludeDocType adds the legacy _type field to bulk action lines. Only
	// enable it for clusters that still support mapping types.
	IncludeDocType bool

	// DryRun makes the Loader go through buffering and flush bookkeeping
	// without issuing any request to Elasticsearch.
	DryRun bool
}

// IndexMapping associates a mapping body with the physical indices it
// applies to.
type IndexMapping struct {
	// Pattern is a path.Match glob tested against the physical index name,
	// e.g. "*_gene-data".
	Pattern string

	// Body is the index creation body, holding "settings" and "mappings".
	Body map[string]any
}

// DefaultConfig returns a copy of cfg with the defaults applied.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MinFlushInterval <= 0 {
		cfg.MinFlushInterval = defaultMinFlushInterval
	}
	if cfg.MaxFlushInterval <= 0 {
		cfg.MaxFlushInterval = defaultMaxFlushInterval
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = linearBackoff
	}
	if cfg.DeletePropagationDelay == 0 {
		cfg.DeletePropagationDelay = defaultDeletePropagationDelay
	}
	if cfg.MaxConcurrentRestores <= 0 {
		cfg.MaxConcurrentRestores = defaultMaxConcurrentRestores
	}
	return cfg
}

// Validate returns an error if cfg holds values New would reject.
func (cfg Config) Validate() error {
	if cfg.ReleaseVersion == "" {
		return errors.New("ReleaseVersion must not be empty")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	if cfg.MaxFlushInterval < cfg.MinFlushInterval {
		return fmt.Errorf(
			"MaxFlushInterval (%s) must not be lower than MinFlushInterval (%s)",
			cfg.MaxFlushInterval, cfg.MinFlushInterval,
		)
	}
	for i, m := range cfg.Mappings {
		if err := m.validate(); err != nil {
			return fmt.Errorf("invalid mapping %d: %w", i, err)
		}
	}
	return nil
}

func linearBackoff(retry int) time.Duration {
	return time.Duration(retry) * 5 * time.Second
}
