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
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	settingReplicas   = "index.number_of_replicas"
	settingDurability = "index.translog.durability"
	settingThrottle   = "indices.store.throttle.type"

	// restoredRefreshInterval is always set back after a bulk load,
	// whatever the refresh interval was before.
	restoredRefreshInterval = "1s"
	defaultDurability       = "request"
)

// IndexState is the bulk load state of a physical index, as seen by a Loader.
type IndexState int

const (
	// IndexAbsent is the state of indices the Loader has not touched.
	IndexAbsent IndexState = iota

	// IndexCreated is the state of indices created by CreateNewIndex.
	IndexCreated

	// IndexOptimized is the state of indices prepared by PrepareForBulkLoad
	// and not restored yet.
	IndexOptimized

	// IndexRestored is the state of indices restored by RestoreAfterBulkLoad.
	IndexRestored
)

func (s IndexState) String() string {
	switch s {
	case IndexAbsent:
		return "absent"
	case IndexCreated:
		return "created"
	case IndexOptimized:
		return "optimized"
	case IndexRestored:
		return "restored"
	}
	return fmt.Sprintf("IndexState(%d)", int(s))
}

// settingsSnapshot holds the settings to write back once a bulk load is over.
type settingsSnapshot struct {
	replicas   string
	durability string
}

// IndexState returns the state of the physical index.
func (l *Loader) IndexState(index string) IndexState {
	return l.states[index]
}

// CreateNewIndex creates the physical index for the logical index, deleting
// it first if it exists, and returns its name.
//
// The index is created with the first registered mapping matching its
// physical name; without one it is created without mappings and a warning
// is logged. A creation rejected because the index already exists is
// logged and tolerated, any other rejection results in an
// *AcknowledgementError. Differences between the requested and the
// materialised mapping are logged and do not fail the call.
//
// In dry run mode, CreateNewIndex only resolves the name.
func (l *Loader) CreateNewIndex(ctx context.Context, index string) (string, error) {
	physical, err := l.resolver.Resolve(index)
	if err != nil {
		return "", err
	}
	if l.config.DryRun {
		return physical, nil
	}
	logger := l.config.Logger.With(zap.String("index", physical))

	exists, err := l.indexExists(ctx, physical)
	if err != nil {
		return "", err
	}
	if exists {
		if err := l.deleteIndex(ctx, physical); err != nil {
			return "", err
		}
		if err := sleepContext(ctx, l.config.DeletePropagationDelay); err != nil {
			return "", err
		}
		// The index may be gone already, which is what we are waiting for.
		if err := l.flushIndex(ctx, physical); err != nil && !errors.Is(err, errIndexNotFound) {
			return "", err
		}
		logger.Debug("index deleted")
	}

	mapping, hasMapping := findMapping(l.config.Mappings, physical)
	created, err := l.createIndex(ctx, physical, mapping.Body)
	if err != nil {
		return "", err
	}
	l.states[physical] = IndexCreated
	if !created {
		logger.Error("cannot create index because it already exists")
		return physical, nil
	}
	if !hasMapping {
		logger.Warn("index created without explicit mappings")
	} else if err := l.ValidateMapping(ctx, physical, mapping); err != nil {
		logger.Error("index mapping or settings differ from the requested ones", zap.Error(err))
	}
	logger.Info("index created", zap.String("mapping", mapping.Pattern))
	return physical, nil
}

// PrepareForBulkLoad relaxes the physical index settings for bulk loading:
// periodic refresh is disabled, replicas are dropped and the translog is
// written asynchronously. Store throttling is disabled cluster wide, unless
// it already is.
//
// The replica count and translog durability are recorded first, to be
// written back by RestoreAfterBulkLoad. Preparing an index twice keeps the
// settings recorded the first time.
//
// In dry run mode, PrepareForBulkLoad does nothing.
func (l *Loader) PrepareForBulkLoad(ctx context.Context, index string) error {
	if l.config.DryRun {
		return nil
	}
	logger := l.config.Logger.With(zap.String("index", index))
	if _, ok := l.optimized[index]; ok {
		logger.Debug("index already prepared for bulk load")
		return nil
	}
	if err := l.disableStoreThrottling(ctx); err != nil {
		return err
	}

	current, err := l.indexSettings(ctx, index, true)
	if err != nil {
		return err
	}
	snapshot := settingsSnapshot{
		replicas:   settingString(current, settingReplicas),
		durability: settingString(current, settingDurability),
	}
	if snapshot.replicas == "" {
		return fmt.Errorf("index %s settings do not hold %s", index, settingReplicas)
	}
	if snapshot.durability == "" {
		snapshot.durability = defaultDurability
	}

	if err := l.putIndexSettings(ctx, index, map[string]any{
		"refresh_interval":    "-1",
		"number_of_replicas":  0,
		"translog.durability": "async",
	}); err != nil {
		return err
	}
	l.optimized[index] = snapshot
	l.states[index] = IndexOptimized
	logger.Info("index prepared for bulk load",
		zap.String("replicas", snapshot.replicas),
		zap.String("durability", snapshot.durability),
	)
	return nil
}

func (l *Loader) disableStoreThrottling(ctx context.Context) error {
	current, err := l.clusterSettings(ctx)
	if err != nil {
		return err
	}
	if settingString(current.Persistent, settingThrottle) == "none" {
		return nil
	}
	err = l.putPersistentClusterSettings(ctx, map[string]any{settingThrottle: "none"})
	var rerr *responseError
	if errors.As(err, &rerr) && rerr.statusCode == 400 {
		// Store throttling was removed in Elasticsearch 6.0.
		l.config.Logger.Warn("cannot disable store throttling", zap.Error(err))
		return nil
	}
	return err
}

// RestoreAfterBulkLoad restores every index prepared by PrepareForBulkLoad:
// the index is flushed, force merged down to a single segment per shard,
// and gets its recorded replica count and translog durability back, with
// a refresh interval of 1s.
//
// Indices are restored concurrently, up to `config.MaxConcurrentRestores`
// at a time. Restored indices are forgotten, so calling
// RestoreAfterBulkLoad again only retries the indices that failed.
//
// In dry run mode, RestoreAfterBulkLoad does nothing.
func (l *Loader) RestoreAfterBulkLoad(ctx context.Context) error {
	if l.config.DryRun || len(l.optimized) == 0 {
		return nil
	}
	indices := make([]string, 0, len(l.optimized))
	for index := range l.optimized {
		indices = append(indices, index)
	}
	slices.Sort(indices)
	errs := make([]error, len(indices))
	var g errgroup.Group
	g.SetLimit(l.config.MaxConcurrentRestores)
	for i, index := range indices {
		snapshot := l.optimized[index]
		g.Go(func() error {
			errs[i] = l.restoreIndex(ctx, index, snapshot)
			return nil
		})
	}
	g.Wait()

	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	for i, index := range indices {
		if errs[i] != nil {
			continue
		}
		delete(l.optimized, index)
		l.states[index] = IndexRestored
		l.metrics.indicesRestored.Add(context.Background(), 1, attrs)
	}
	return errors.Join(errs...)
}

func (l *Loader) restoreIndex(ctx context.Context, index string, snapshot settingsSnapshot) error {
	logger := l.config.Logger.With(zap.String("index", index))
	logger.Debug("restoring index settings after bulk load")
	if err := l.flushIndex(ctx, index); err != nil {
		return err
	}
	if err := l.forceMerge(ctx, index, 1); err != nil {
		return err
	}
	if err := l.putIndexSettings(ctx, index, map[string]any{
		"refresh_interval":    restoredRefreshInterval,
		"number_of_replicas":  snapshot.replicas,
		"translog.durability": snapshot.durability,
	}); err != nil {
		return err
	}
	logger.Info("index restored after bulk load",
		zap.String("replicas", snapshot.replicas),
		zap.String("durability", snapshot.durability),
	)
	return nil
}

func settingString(settings map[string]any, key string) string {
	v, ok := settings[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
