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

package bulkloader_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-bulkloader"
	"github.com/elastic/go-bulkloader/bulkloadertest"
)

func newLoader(t testing.TB, cluster *bulkloadertest.Cluster, cfg bulkloader.Config) *bulkloader.Loader {
	t.Helper()
	if cfg.ReleaseVersion == "" {
		cfg.ReleaseVersion = "19.04"
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = func(int) time.Duration { return 0 }
	}
	if cfg.DeletePropagationDelay == 0 {
		cfg.DeletePropagationDelay = -1
	}
	loader, err := bulkloader.New(cluster.Client(t), cfg)
	require.NoError(t, err)
	return loader
}

func putGenes(t testing.TB, loader *bulkloader.Loader, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := loader.Put(context.Background(), "gene-data", "gene", fmt.Sprintf("ENSG%08d", i),
			fmt.Sprintf(`{"id":"ENSG%08d","approved_symbol":"GENE%d"}`, i, i),
		)
		require.NoError(t, err)
	}
}

func TestLoaderEndToEnd(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})

	putGenes(t, loader, 1000)

	assert.Equal(t, 1, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 0, loader.Len())
	index, ok := cluster.Index("19.04_gene-data")
	require.True(t, ok)
	assert.Len(t, index.Documents, 1000)
	assert.JSONEq(t, `{"id":"ENSG00000042","approved_symbol":"GENE42"}`, string(index.Documents["ENSG00000042"]))
	assert.Equal(t, bulkloader.Stats{
		Added:        1000,
		Indexed:      1000,
		BulkRequests: 1,
		BytesTotal:   loader.Stats().BytesTotal,
	}, loader.Stats())
	assert.NotZero(t, loader.Stats().BytesTotal)
}

func TestLoaderChunkSize(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{ChunkSize: 3})

	putGenes(t, loader, 2)
	assert.Equal(t, 0, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 2, loader.Len())

	putGenes(t, loader, 1)
	assert.Equal(t, 1, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 0, loader.Len())

	putGenes(t, loader, 7)
	assert.Equal(t, 3, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 1, loader.Len())
}

func TestLoaderFlushEmpty(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})

	require.NoError(t, loader.Flush(context.Background()))
	require.NoError(t, loader.Flush(context.Background()))
	assert.Empty(t, cluster.Requests())
}

func TestLoaderFlushInterval(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{
		MinFlushInterval: 100 * time.Millisecond,
		MaxFlushInterval: 100 * time.Millisecond,
	})
	assert.Equal(t, 100*time.Millisecond, loader.FlushInterval())

	putGenes(t, loader, 1)
	assert.Equal(t, 0, cluster.CountRequests(http.MethodPost, "/_bulk"))

	time.Sleep(150 * time.Millisecond)
	putGenes(t, loader, 1)
	assert.Equal(t, 1, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 0, loader.Len())
}

func TestLoaderFlushIntervalRandomized(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	intervals := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		loader := newLoader(t, cluster, bulkloader.Config{})
		interval := loader.FlushInterval()
		assert.GreaterOrEqual(t, interval, 60*time.Second)
		assert.Less(t, interval, 120*time.Second)
		intervals[interval] = true
	}
	assert.Greater(t, len(intervals), 1)
}

func TestLoaderRetry(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	cluster.Inject(bulkloadertest.Fault{
		Method: http.MethodPost,
		Path:   "/_bulk",
		Status: http.StatusServiceUnavailable,
		Times:  2,
	})
	var retries []int
	loader := newLoader(t, cluster, bulkloader.Config{
		RetryBackoff: func(retry int) time.Duration {
			retries = append(retries, retry)
			return time.Millisecond
		},
	})

	putGenes(t, loader, 5)
	require.NoError(t, loader.Flush(context.Background()))

	assert.Equal(t, 3, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, 0, loader.Len())
	index, _ := cluster.Index("19.04_gene-data")
	assert.Len(t, index.Documents, 5)

	stats := loader.Stats()
	assert.Equal(t, int64(3), stats.BulkRequests)
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(5), stats.Indexed)
}

func TestLoaderRetryExhausted(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	cluster.Inject(bulkloadertest.Fault{
		Method: http.MethodPost,
		Path:   "/_bulk",
		Status: http.StatusTooManyRequests,
		Type:   "es_rejected_execution_exception",
		Times:  4,
	})
	loader := newLoader(t, cluster, bulkloader.Config{MaxRetry: 4})

	putGenes(t, loader, 5)
	err := loader.Flush(context.Background())
	var werr *bulkloader.TransientWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 4, werr.Attempts)
	assert.Equal(t, 5, werr.Documents)
	assert.Equal(t, []string{"19.04_gene-data"}, werr.Indices)

	var flushErr bulkloader.ErrorFlushFailed
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, http.StatusTooManyRequests, flushErr.StatusCode())

	// Nothing was lost, the next flush writes the same documents.
	assert.Equal(t, 4, cluster.CountRequests(http.MethodPost, "/_bulk"))
	assert.Equal(t, 5, loader.Len())
	require.NoError(t, loader.Flush(context.Background()))
	assert.Equal(t, 0, loader.Len())
	index, _ := cluster.Index("19.04_gene-data")
	assert.Len(t, index.Documents, 5)
}

func TestLoaderRetryDocumentFailures(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	var calls atomic.Int64
	var batches [][]bulkloadertest.BulkAction
	cluster.SetBulkHandler(func(w http.ResponseWriter, r *http.Request) {
		actions, result := bulkloadertest.DecodeBulkRequest(r)
		batches = append(batches, actions)
		if calls.Add(1) == 1 {
			result.HasErrors = true
			for action, item := range result.Items[0] {
				item.Status = http.StatusBadRequest
				item.Error.Type = "mapper_parsing_exception"
				item.Error.Reason = "failed to parse field [start] of type [long]. Preview of field's value: 'abc'"
				result.Items[0][action] = item
			}
		}
		json.NewEncoder(w).Encode(result)
	})
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	loader := newLoader(t, cluster, bulkloader.Config{Logger: zap.New(core)})

	putGenes(t, loader, 3)
	require.NoError(t, loader.Flush(context.Background()))

	// The whole buffer is resubmitted.
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0], batches[1])
	assert.Len(t, batches[1], 3)

	entries := observed.FilterMessageSnippet("failed to index documents").All()
	require.Len(t, entries, 1)
	assert.Equal(t,
		"failed to index documents in '19.04_gene-data' (mapper_parsing_exception): failed to parse field [start] of type [long]",
		entries[0].Message,
	)
	assert.Equal(t, int64(1), entries[0].ContextMap()["documents"])
}

func TestLoaderRetryCancelled(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk"})
	loader := newLoader(t, cluster, bulkloader.Config{
		RetryBackoff: func(int) time.Duration { return time.Hour },
	})
	putGenes(t, loader, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := loader.Flush(ctx)
	var werr *bulkloader.TransientWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1, werr.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, loader.Len())

	// The cause of the failed attempt is kept.
	var flushErr bulkloader.ErrorFlushFailed
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, http.StatusInternalServerError, flushErr.StatusCode())
	assert.Contains(t, err.Error(), "flush failed")
}

func TestLoaderDryRun(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{DryRun: true, ChunkSize: 3})
	ctx := context.Background()

	physical, err := loader.CreateNewIndex(ctx, "gene-data")
	require.NoError(t, err)
	assert.Equal(t, "19.04_gene-data", physical)
	require.NoError(t, loader.PrepareForBulkLoad(ctx, physical))

	putGenes(t, loader, 5)
	assert.Equal(t, 2, loader.Len())
	require.NoError(t, loader.FlushAndWait(ctx, "gene-data"))
	assert.Equal(t, 0, loader.Len())
	require.NoError(t, loader.Close(ctx))

	assert.Empty(t, cluster.Requests())
	assert.Equal(t, int64(5), loader.Stats().Indexed)
}

func TestLoaderDryRunFlushInterval(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{
		DryRun:           true,
		MinFlushInterval: 50 * time.Millisecond,
		MaxFlushInterval: 50 * time.Millisecond,
	})

	putGenes(t, loader, 2)
	assert.Equal(t, 2, loader.Len())

	time.Sleep(100 * time.Millisecond)
	putGenes(t, loader, 1)
	assert.Equal(t, 0, loader.Len())
	assert.Equal(t, int64(3), loader.Stats().Indexed)
	assert.Empty(t, cluster.Requests())
}

func TestLoaderPut(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})
	ctx := context.Background()

	type target struct {
		ID     string   `json:"id"`
		Tissue []string `json:"tissue"`
	}
	require.NoError(t, loader.Put(ctx, "targets", "target", "t1", target{ID: "t1", Tissue: []string{"liver"}}))
	require.NoError(t, loader.Put(ctx, "targets", "target", "t2", "{\n  \"id\": \"t2\"\n}\n"))
	require.NoError(t, loader.Put(ctx, "targets", "target", "t3", json.RawMessage(`{"id":"t3"}`)))
	require.NoError(t, loader.Put(ctx, "targets", "target", "t4", bytes.NewBufferString(`{"id":"t4"}`)))
	require.NoError(t, loader.Put(ctx, "!legacy-targets", "target", "t5", []byte(`{"id":"t5"}`)))
	require.NoError(t, loader.Flush(ctx))

	index, ok := cluster.Index("19.04_targets")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"t1","tissue":["liver"]}`, string(index.Documents["t1"]))
	assert.Equal(t, `{"id":"t2"}`, string(index.Documents["t2"]))
	assert.JSONEq(t, `{"id":"t3"}`, string(index.Documents["t3"]))
	assert.JSONEq(t, `{"id":"t4"}`, string(index.Documents["t4"]))
	legacy, ok := cluster.Index("!legacy-targets")
	require.True(t, ok)
	assert.Len(t, legacy.Documents, 1)
}

func TestLoaderPutErrors(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})
	ctx := context.Background()

	assert.Error(t, loader.Put(ctx, "", "gene", "1", `{}`))
	assert.Error(t, loader.Put(ctx, "gene-data", "gene", "1", nil))
	assert.Error(t, loader.Put(ctx, "gene-data", "gene", "1", make(chan int)))

	var dverr *bulkloader.DoubleVersioningError
	assert.ErrorAs(t, loader.Put(ctx, "19.04_gene-data", "gene", "1", `{}`), &dverr)
	assert.Equal(t, 0, loader.Len())

	require.NoError(t, loader.Close(ctx))
	assert.ErrorIs(t, loader.Put(ctx, "gene-data", "gene", "1", `{}`), bulkloader.ErrClosed)
}

func TestLoaderIndexOverrides(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{
		IndexOverrides:    map[string]string{"gene-data": "genes-custom"},
		UseIndexOverrides: true,
	})
	ctx := context.Background()

	physical, err := loader.CreateNewIndex(ctx, "gene-data")
	require.NoError(t, err)
	assert.Equal(t, "genes-custom", physical)
	putGenes(t, loader, 2)
	require.NoError(t, loader.FlushAndWait(ctx, "gene-data"))

	assert.Equal(t, []string{"genes-custom"}, cluster.Indices())
	index, _ := cluster.Index("genes-custom")
	assert.Len(t, index.Documents, 2)
	assert.Equal(t, 1, index.Flushes)
}

func TestLoaderCompression(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{CompressionLevel: 1})

	putGenes(t, loader, 10)
	require.NoError(t, loader.Flush(context.Background()))

	requests := cluster.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "gzip", requests[0].Header.Get("Content-Encoding"))
	index, _ := cluster.Index("19.04_gene-data")
	assert.Len(t, index.Documents, 10)
	// Stats report the compressed size.
	assert.Less(t, loader.Stats().BytesTotal, int64(len(requests[0].Body)))
}

func TestLoaderDocType(t *testing.T) {
	for name, includeDocType := range map[string]bool{"typed": true, "typeless": false} {
		t.Run(name, func(t *testing.T) {
			cluster := bulkloadertest.NewCluster(t)
			loader := newLoader(t, cluster, bulkloader.Config{IncludeDocType: includeDocType})
			putGenes(t, loader, 1)
			require.NoError(t, loader.Flush(context.Background()))

			requests := cluster.Requests()
			require.Len(t, requests, 1)
			meta, _, _ := strings.Cut(string(requests[0].Body), "\n")
			if includeDocType {
				assert.Equal(t, `{"index":{"_index":"19.04_gene-data","_type":"gene","_id":"ENSG00000000"}}`, meta)
			} else {
				assert.Equal(t, `{"index":{"_index":"19.04_gene-data","_id":"ENSG00000000"}}`, meta)
			}
		})
	}
}

func TestLoaderFlushAndWait(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})
	ctx := context.Background()

	putGenes(t, loader, 3)
	require.NoError(t, loader.FlushAndWait(ctx, "gene-data"))

	index, _ := cluster.Index("19.04_gene-data")
	assert.Len(t, index.Documents, 3)
	assert.Equal(t, 1, index.Flushes)
	flushes := cluster.Requests()
	require.Len(t, flushes, 2)
	assert.Equal(t, "/19.04_gene-data/_flush", flushes[1].Path)
	assert.Equal(t, "true", flushes[1].Query.Get("wait_if_ongoing"))
}

func TestLoaderClose(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{})
	ctx := context.Background()

	physical, err := loader.CreateNewIndex(ctx, "gene-data")
	require.NoError(t, err)
	require.NoError(t, loader.PrepareForBulkLoad(ctx, physical))
	putGenes(t, loader, 2)

	require.NoError(t, loader.Close(ctx))
	index, _ := cluster.Index(physical)
	assert.Len(t, index.Documents, 2)
	assert.Equal(t, bulkloader.IndexRestored, loader.IndexState(physical))
	assert.Equal(t, "1", index.Settings["index.number_of_replicas"])
	assert.Equal(t, "1s", index.Settings["index.refresh_interval"])
}

func TestLoaderCloseFlushFailure(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	loader := newLoader(t, cluster, bulkloader.Config{MaxRetry: 2})
	ctx := context.Background()

	physical, err := loader.CreateNewIndex(ctx, "gene-data")
	require.NoError(t, err)
	require.NoError(t, loader.PrepareForBulkLoad(ctx, physical))
	putGenes(t, loader, 2)
	cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk"})

	err = loader.Close(ctx)
	var werr *bulkloader.TransientWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 2, werr.Attempts)

	// Indices are restored even though documents could not be written.
	assert.Equal(t, bulkloader.IndexRestored, loader.IndexState(physical))
	index, _ := cluster.Index(physical)
	assert.Equal(t, "1", index.Settings["index.number_of_replicas"])
}

func TestNewLoaderInvalidConfig(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	client := cluster.Client(t)

	_, err := bulkloader.New(nil, bulkloader.Config{})
	assert.EqualError(t, err, "client is nil")

	_, err = bulkloader.New(client, bulkloader.Config{})
	assert.EqualError(t, err, "ReleaseVersion must not be empty")

	_, err = bulkloader.New(client, bulkloader.Config{ReleaseVersion: "19.04", CompressionLevel: 10})
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got 10")

	_, err = bulkloader.New(client, bulkloader.Config{
		ReleaseVersion:   "19.04",
		MinFlushInterval: time.Minute,
		MaxFlushInterval: time.Second,
	})
	assert.Error(t, err)

	_, err = bulkloader.New(client, bulkloader.Config{
		ReleaseVersion: "19.04",
		Mappings:       []bulkloader.IndexMapping{{Pattern: "[gene"}},
	})
	assert.ErrorContains(t, err, "invalid mapping 0")
}

func TestLoaderMetrics(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk", Times: 1})
	rdr := sdkmetric.NewManualReader()
	loaderAttrs := attribute.NewSet(attribute.String("step", "gene"))
	loader := newLoader(t, cluster, bulkloader.Config{
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: loaderAttrs,
	})
	ctx := context.Background()

	physical, err := loader.CreateNewIndex(ctx, "gene-data")
	require.NoError(t, err)
	require.NoError(t, loader.PrepareForBulkLoad(ctx, physical))
	putGenes(t, loader, 4)
	require.NoError(t, loader.Flush(ctx))
	require.NoError(t, loader.RestoreAfterBulkLoad(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(ctx, &rm))
	sums := make(map[string]int64)
	var latencyCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					v, ok := dp.Attributes.Value("step")
					assert.True(t, ok, m.Name)
					assert.Equal(t, "gene", v.AsString())
					key := m.Name
					for _, kv := range dp.Attributes.ToSlice() {
						if kv.Key != "step" {
							key += "/" + kv.Value.Emit()
						}
					}
					sums[key] += dp.Value
				}
			case metricdata.Histogram[float64]:
				assert.Equal(t, "elasticsearch.flushed.latency", m.Name)
				for _, dp := range data.DataPoints {
					latencyCount += dp.Count
				}
			}
		}
	}
	assert.Equal(t, uint64(2), latencyCount)
	assert.Equal(t, int64(4), sums["elasticsearch.events.count"])
	assert.Equal(t, int64(0), sums["elasticsearch.events.queued"])
	assert.Equal(t, int64(4), sums["elasticsearch.events.processed/Success"])
	assert.Equal(t, int64(1), sums["elasticsearch.bulk_requests.count/server_error"])
	assert.Equal(t, int64(1), sums["elasticsearch.bulk_requests.count/success"])
	assert.Equal(t, int64(1), sums["elasticsearch.bulk_requests.retried"])
	assert.Equal(t, int64(1), sums["elasticsearch.indices.restored"])
	assert.Equal(t, loader.Stats().BytesTotal, sums["elasticsearch.flushed.bytes"])
}

func TestLoaderMetricsFlushOutcome(t *testing.T) {
	for status, outcome := range map[int]string{
		http.StatusTooManyRequests:    "too_many",
		http.StatusBadRequest:         "client_error",
		http.StatusServiceUnavailable: "server_error",
	} {
		t.Run(outcome, func(t *testing.T) {
			cluster := bulkloadertest.NewCluster(t)
			cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk", Status: status, Times: 1})
			rdr := sdkmetric.NewManualReader()
			loader := newLoader(t, cluster, bulkloader.Config{
				MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
			})
			putGenes(t, loader, 1)
			require.NoError(t, loader.Flush(context.Background()))

			var rm metricdata.ResourceMetrics
			require.NoError(t, rdr.Collect(context.Background(), &rm))
			outcomes := make(map[string]int64)
			for _, sm := range rm.ScopeMetrics {
				for _, m := range sm.Metrics {
					if m.Name != "elasticsearch.bulk_requests.count" {
						continue
					}
					for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
						v, _ := dp.Attributes.Value("outcome")
						outcomes[v.AsString()] += dp.Value
					}
				}
			}
			assert.Equal(t, map[string]int64{outcome: 1, "success": 1}, outcomes)
		})
	}
}

func TestLoaderRetryLogging(t *testing.T) {
	cluster := bulkloadertest.NewCluster(t)
	cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk", Times: 1})
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	loader := newLoader(t, cluster, bulkloader.Config{
		Logger:       zap.New(core),
		RetryBackoff: func(retry int) time.Duration { return time.Duration(retry) * time.Millisecond },
	})

	putGenes(t, loader, 2)
	require.NoError(t, loader.Flush(context.Background()))

	entries := observed.FilterMessage("bulk request failed, retrying").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(1), fields["attempt"])
	assert.Equal(t, time.Millisecond, fields["backoff"])
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Empty(t, observed.FilterMessage("bulk request failed, giving up").All())
}

func TestLoaderTracing(t *testing.T) {
	testLoaderTracing(t, false, "success")
	testLoaderTracing(t, true, "failure")
}

func testLoaderTracing(t *testing.T, fail bool, expectedOutcome string) {
	cluster := bulkloadertest.NewCluster(t)
	if fail {
		cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk", Status: http.StatusBadRequest})
	}
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	loader := newLoader(t, cluster, bulkloader.Config{
		Logger:   zap.New(core),
		Tracer:   tracer.Tracer,
		MaxRetry: 1,
	})

	const N = 10
	putGenes(t, loader, N)
	err := loader.Flush(context.Background())
	if fail {
		require.Error(t, err)
	} else {
		require.NoError(t, err)
	}

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	require.Len(t, payloads.Spans, 1)

	assert.Equal(t, expectedOutcome, payloads.Transactions[0].Outcome)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
	assert.Equal(t, "bulkloader.flush", payloads.Transactions[0].Name)
	assert.Equal(t, "Elasticsearch: POST _bulk", payloads.Spans[0].Name)
	assert.Equal(t, "db", payloads.Spans[0].Type)
	assert.Equal(t, "elasticsearch", payloads.Spans[0].Subtype)

	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	assert.NotEmpty(t, correlatedLogs)
	for _, entry := range correlatedLogs {
		fields := entry.ContextMap()
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].ID), fields["transaction.id"])
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].TraceID), fields["trace.id"])
	}
}

func TestLoaderOtelTracing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		testTracedFlush(t, false, sdktrace.Status{Code: codes.Ok})
	})
	t.Run("failure", func(t *testing.T) {
		testTracedFlush(t, true, sdktrace.Status{
			Code:        codes.Error,
			Description: "bulk request failed",
		})
	})
}

func testTracedFlush(t *testing.T, fail bool, status sdktrace.Status) {
	cluster := bulkloadertest.NewCluster(t)
	if fail {
		cluster.Inject(bulkloadertest.Fault{Method: http.MethodPost, Path: "/_bulk", Status: http.StatusBadRequest})
	}
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	loader := newLoader(t, cluster, bulkloader.Config{
		Logger:         zap.New(core),
		TracerProvider: tp,
		MaxRetry:       2,
	})

	const N = 10
	putGenes(t, loader, N)
	_ = loader.Flush(context.Background())

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	gotSpan := spans[0]
	assert.Equal(t, "bulkloader.flush", gotSpan.Name)
	assert.Equal(t, status, gotSpan.Status)
	for _, a := range gotSpan.Attributes {
		switch a.Key {
		case "documents":
			assert.Equal(t, int64(N), a.Value.AsInt64())
		case "attempts":
			if fail {
				assert.Equal(t, int64(2), a.Value.AsInt64())
			} else {
				assert.Equal(t, int64(1), a.Value.AsInt64())
			}
		}
	}
	if fail {
		// One exception event per failed attempt.
		assert.Len(t, gotSpan.Events, 2)
	}

	correlatedLogs := observed.FilterFieldKey("traceId").All()
	require.NotEmpty(t, correlatedLogs)
	log := correlatedLogs[0]
	assert.Equal(t, gotSpan.SpanContext.TraceID().String(), log.ContextMap()["traceId"])
	assert.Equal(t, gotSpan.SpanContext.SpanID().String(), log.ContextMap()["spanId"])
}

func TestTransientWriteErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &bulkloader.TransientWriteError{
		Indices:   []string{"19.04_evidence", "19.04_gene-data"},
		Documents: 12,
		Attempts:  10,
		Err:       cause,
	}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t,
		"bulk write to [19.04_evidence,19.04_gene-data] failed after 10 attempts, 12 documents still buffered: connection reset",
		err.Error(),
	)
}
