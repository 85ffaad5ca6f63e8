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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Loader buffers documents and writes them to Elasticsearch with bulk
// requests, and manages the indices they are written to.
//
// Documents are buffered until either `config.ChunkSize` documents are
// buffered, or the Loader's flush interval has elapsed since the last
// flush; the flush then happens synchronously, within Put. A failed bulk
// request is resubmitted up to `config.MaxRetry` times, and the buffer is
// only cleared once Elasticsearch has accepted every document.
//
// A Loader is not safe for concurrent use. Run several Loaders to index in
// parallel; each one owns its buffer and draws its own flush interval.
type Loader struct {
	config   Config
	client   elastictransport.Interface
	resolver IndexResolver
	indexer  *BulkIndexer
	metrics  metrics
	stats    Stats

	buffer        []bulkItem
	lastFlush     time.Time
	flushInterval time.Duration

	states    map[string]IndexState
	optimized map[string]settingsSnapshot
	closed    bool

	// tracer is an OTel tracer, and should not be confused with `l.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// bulkItem is a buffered document, encoded once when it is added.
type bulkItem struct {
	index   string
	docType string
	id      string
	body    []byte
}

// Stats holds Loader statistics.
type Stats struct {
	// Added holds the number of documents added with Put.
	Added int64

	// Buffered holds the number of documents waiting for a flush.
	Buffered int64

	// Indexed holds the number of documents accepted by Elasticsearch,
	// or discarded by a dry run flush.
	Indexed int64

	// BulkRequests holds the number of bulk requests issued, including
	// failed attempts.
	BulkRequests int64

	// Retries holds the number of times a buffer was resubmitted.
	Retries int64

	// BytesTotal holds the number of bytes sent in bulk request bodies.
	BytesTotal int64
}

// New returns a new Loader that indexes documents into Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func New(client elastictransport.Interface, cfg Config) (*Loader, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		IncludeDocType:   cfg.IncludeDocType,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	l := &Loader{
		config: cfg,
		client: client,
		resolver: IndexResolver{
			ReleaseVersion: cfg.ReleaseVersion,
			Overrides:      cfg.IndexOverrides,
			CheckOverrides: cfg.UseIndexOverrides,
		},
		indexer:       indexer,
		metrics:       ms,
		buffer:        make([]bulkItem, 0, cfg.ChunkSize),
		lastFlush:     time.Now(),
		flushInterval: randomInterval(cfg.MinFlushInterval, cfg.MaxFlushInterval),
		states:        make(map[string]IndexState),
		optimized:     make(map[string]settingsSnapshot),
	}
	if cfg.TracerProvider != nil {
		l.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-bulkloader.loader")
	}
	return l, nil
}

// randomInterval returns a duration drawn uniformly in [lo, hi).
func randomInterval(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// ResolveIndex returns the physical name of the logical index, using the
// Loader's release version and index overrides.
func (l *Loader) ResolveIndex(logical string) (string, error) {
	return l.resolver.Resolve(logical)
}

// FlushInterval returns the flush interval drawn for this Loader.
func (l *Loader) FlushInterval() time.Duration {
	return l.flushInterval
}

// Len returns the number of buffered documents.
func (l *Loader) Len() int {
	return len(l.buffer)
}

// Stats returns the Loader statistics.
func (l *Loader) Stats() Stats {
	s := l.stats
	s.Buffered = int64(len(l.buffer))
	return s
}

// Put buffers a document for indexing into the logical index, flushing the
// buffer when it is full or the flush interval has elapsed. Any flush error
// is returned; the document stays buffered in that case.
//
// body may be a pre-encoded JSON document ([]byte, json.RawMessage, string
// or io.WriterTo), or any value that can be encoded as JSON.
func (l *Loader) Put(ctx context.Context, index, docType, id string, body any) error {
	if l.closed {
		return ErrClosed
	}
	if index == "" {
		return errMissingIndex
	}
	if body == nil {
		return errMissingBody
	}
	physical, err := l.resolver.Resolve(index)
	if err != nil {
		return err
	}
	encoded, err := encodeBody(body)
	if err != nil {
		return fmt.Errorf("failed to encode document %q: %w", id, err)
	}
	l.buffer = append(l.buffer, bulkItem{
		index:   physical,
		docType: docType,
		id:      id,
		body:    encoded,
	})
	l.stats.Added++
	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	l.metrics.docsAdded.Add(context.Background(), 1, attrs)
	l.metrics.docsBuffered.Add(context.Background(), 1, attrs)

	if len(l.buffer) >= l.config.ChunkSize || time.Since(l.lastFlush) >= l.flushInterval {
		return l.Flush(ctx)
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	var raw []byte
	switch v := body.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case io.WriterTo:
		var buf bytes.Buffer
		if _, err := v.WriteTo(&buf); err != nil {
			return nil, err
		}
		raw = buf.Bytes()
	default:
		return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	}
	// Bulk bodies are newline delimited, documents must fit on one line.
	if bytes.ContainsAny(raw, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return bytes.Clone(raw), nil
}

// Flush writes every buffered document to Elasticsearch in a single bulk
// request. The request is retried up to `config.MaxRetry` times in total,
// waiting `config.RetryBackoff(n)` before the nth retry.
//
// If every attempt fails, Flush returns a *TransientWriteError wrapping the
// last error and the documents stay buffered, so that Flush may be called
// again. Cancelling ctx aborts the retries the same way.
func (l *Loader) Flush(ctx context.Context) error {
	n := len(l.buffer)
	if n == 0 {
		return nil
	}
	if l.config.DryRun {
		l.config.Logger.Debug("dry run, discarding buffered documents", zap.Int("documents", n))
		l.clearBuffer("DryRun")
		return nil
	}

	logger := l.config.Logger
	var tx *apm.Transaction
	if l.apmTracingEnabled() {
		tx = l.config.Tracer.StartTransaction("bulkloader.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any retries
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if l.otelTracingEnabled() {
		ctx, span = l.tracer.Start(ctx, "bulkloader.flush", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()

		// Add trace IDs to logger, to associate any retries
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	var (
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		if err = l.bulkWrite(ctx, logger); err == nil {
			break
		}
		if span != nil {
			span.RecordError(err)
		}
		if attempt >= l.config.MaxRetry {
			break
		}
		wait := l.config.RetryBackoff(attempt)
		logger.Warn("bulk request failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		l.stats.Retries++
		l.metrics.bulkRetries.Add(context.Background(), 1, metric.WithAttributeSet(l.config.MetricAttributes))
		if waitErr := sleepContext(ctx, wait); waitErr != nil {
			err = errors.Join(err, waitErr)
			break
		}
	}
	if err == nil {
		if tx != nil {
			tx.Outcome = "success"
		}
		if span != nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			span.SetStatus(codes.Ok, "")
		}
		l.clearBuffer("Success")
		return nil
	}

	werr := &TransientWriteError{
		Indices:   l.bufferedIndices(),
		Documents: n,
		Attempts:  attempt,
		Err:       err,
	}
	logger.Error("bulk request failed, giving up", zap.Error(werr))
	if span != nil {
		span.SetAttributes(attribute.Int("attempts", attempt))
		span.SetStatus(codes.Error, "bulk request failed")
	}
	if tx != nil {
		tx.Outcome = "failure"
		apm.CaptureError(ctx, werr).Send()
	}
	return werr
}

// bulkWrite issues a single bulk request for the whole buffer.
func (l *Loader) bulkWrite(ctx context.Context, logger *zap.Logger) error {
	l.indexer.Reset()
	for _, item := range l.buffer {
		if err := l.indexer.Add(BulkIndexerItem{
			Index:      item.index,
			DocType:    item.docType,
			DocumentID: item.id,
			Body:       bytes.NewReader(item.body),
		}); err != nil {
			return err
		}
	}

	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = l.indexer.Flush(ctx)
	})
	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	l.stats.BulkRequests++
	l.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := l.indexer.BytesFlushed(); flushed > 0 {
		l.stats.BytesTotal += int64(flushed)
		l.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if err != nil {
		outcome := "failure"
		var flushErr ErrorFlushFailed
		if errors.As(err, &flushErr) {
			outcome = flushErr.outcome()
		}
		l.metrics.bulkRequests.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
		return err
	}
	if len(resp.FailedDocs) > 0 {
		l.metrics.bulkRequests.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("outcome", "partial")),
		)
		type failureKey struct {
			index, errorType, reason string
		}
		failedCount := make(map[failureKey]int)
		for _, info := range resp.FailedDocs {
			failedCount[failureKey{info.Index, info.Error.Type, info.Error.Reason}]++
		}
		for key, count := range failedCount {
			logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
				key.index, key.errorType, key.reason,
			), zap.Int("documents", count))
		}
		return errorDocumentsFailed{failed: resp.FailedDocs}
	}
	l.metrics.bulkRequests.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("outcome", "success")),
	)
	logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", resp.Indexed),
		zap.Duration("took", took),
	)
	return nil
}

func (l *Loader) clearBuffer(status string) {
	n := int64(len(l.buffer))
	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	l.metrics.docsIndexed.Add(context.Background(), n, attrs,
		metric.WithAttributes(attribute.String("status", status)),
	)
	l.metrics.docsBuffered.Add(context.Background(), -n, attrs)
	l.stats.Indexed += n
	clear(l.buffer)
	l.buffer = l.buffer[:0]
	l.lastFlush = time.Now()
}

// bufferedIndices returns the sorted, distinct physical indices of the
// buffered documents.
func (l *Loader) bufferedIndices() []string {
	indices := make([]string, 0, 1)
	for _, item := range l.buffer {
		if !slices.Contains(indices, item.index) {
			indices = append(indices, item.index)
		}
	}
	slices.Sort(indices)
	return indices
}

// FlushAndWait flushes the buffer, then asks Elasticsearch to flush the
// physical index of the logical index, waiting for any ongoing flush.
func (l *Loader) FlushAndWait(ctx context.Context, index string) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}
	if l.config.DryRun {
		return nil
	}
	physical, err := l.resolver.Resolve(index)
	if err != nil {
		return err
	}
	return l.flushIndex(ctx, physical)
}

// Close flushes any buffered documents and restores every index prepared
// with PrepareForBulkLoad. Both steps run even if the other fails, and their
// errors are joined. Put returns ErrClosed after Close.
func (l *Loader) Close(ctx context.Context) error {
	l.closed = true
	var errs []error
	if err := l.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush documents on close: %w", err))
	}
	if err := l.RestoreAfterBulkLoad(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore indices on close: %w", err))
	}
	return errors.Join(errs...)
}

// apmTracingEnabled checks whether we should be doing tracing
// using the Elastic APM tracer.
func (l *Loader) apmTracingEnabled() bool {
	return l.config.Tracer != nil && l.config.Tracer.Recording()
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (l *Loader) otelTracingEnabled() bool {
	return l.tracer != nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
