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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-bulkloader"
)

// releaseVersionEnv overrides release_version from the configuration file.
const releaseVersionEnv = "BULKLOAD_RELEASE_VERSION"

// config is the bulkload configuration file.
type config struct {
	ReleaseVersion    string              `toml:"release_version"`
	DryRun            bool                `toml:"dry_run"`
	UseIndexOverrides bool                `toml:"use_index_overrides"`
	Loader            loaderConfig        `toml:"loader"`
	Elasticsearch     elasticsearchConfig `toml:"elasticsearch"`
	Indexes           map[string]string   `toml:"indexes"`
	Mappings          []mappingConfig     `toml:"mappings"`

	// dir is the directory of the configuration file, mapping files are
	// relative to it.
	dir string
}

type loaderConfig struct {
	ChunkSize              int           `toml:"chunk_size"`
	MinFlushInterval       time.Duration `toml:"min_flush_interval"`
	MaxFlushInterval       time.Duration `toml:"max_flush_interval"`
	MaxRetry               int           `toml:"max_retry"`
	RetryBackoff           time.Duration `toml:"retry_backoff"`
	DeletePropagationDelay time.Duration `toml:"delete_propagation_delay"`
	MaxConcurrentRestores  int           `toml:"max_concurrent_restores"`
	CompressionLevel       int           `toml:"compression_level"`
	IncludeDocType         bool          `toml:"include_doc_type"`
}

type elasticsearchConfig struct {
	Addresses []string `toml:"addresses"`
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	APIKey    string   `toml:"api_key"`
}

// mappingConfig associates a physical index pattern with a JSON file
// holding the index creation body.
type mappingConfig struct {
	Pattern string `toml:"pattern"`
	File    string `toml:"file"`
}

func defaultConfig() *config {
	return &config{
		Loader: loaderConfig{
			RetryBackoff: 5 * time.Second,
		},
		Elasticsearch: elasticsearchConfig{
			Addresses: []string{"http://localhost:9200"},
		},
	}
}

// loadConfig reads the TOML configuration file at path.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if v := os.Getenv(releaseVersionEnv); v != "" {
		cfg.ReleaseVersion = v
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.ReleaseVersion == "" {
		return fmt.Errorf("release_version is required, or set %s", releaseVersionEnv)
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		return errors.New("elasticsearch.addresses is required")
	}
	for i, m := range c.Mappings {
		if m.Pattern == "" || m.File == "" {
			return fmt.Errorf("mappings[%d]: pattern and file are required", i)
		}
	}
	return nil
}

// loadMappings reads the mapping files, in the configured order.
func (c *config) loadMappings() ([]bulkloader.IndexMapping, error) {
	mappings := make([]bulkloader.IndexMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		path := m.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read mapping for %q: %w", m.Pattern, err)
		}
		var body map[string]any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("failed to decode mapping %s: %w", path, err)
		}
		mappings = append(mappings, bulkloader.IndexMapping{Pattern: m.Pattern, Body: body})
	}
	return mappings, nil
}

// loaderConfig returns the bulkloader.Config described by c.
func (c *config) loaderConfig(logger *zap.Logger) (bulkloader.Config, error) {
	mappings, err := c.loadMappings()
	if err != nil {
		return bulkloader.Config{}, err
	}
	cfg := bulkloader.Config{
		Logger:                 logger,
		Tracer:                 apm.DefaultTracer(),
		ReleaseVersion:         c.ReleaseVersion,
		IndexOverrides:         c.Indexes,
		UseIndexOverrides:      c.UseIndexOverrides,
		Mappings:               mappings,
		ChunkSize:              c.Loader.ChunkSize,
		MinFlushInterval:       c.Loader.MinFlushInterval,
		MaxFlushInterval:       c.Loader.MaxFlushInterval,
		MaxRetry:               c.Loader.MaxRetry,
		DeletePropagationDelay: c.Loader.DeletePropagationDelay,
		MaxConcurrentRestores:  c.Loader.MaxConcurrentRestores,
		CompressionLevel:       c.Loader.CompressionLevel,
		IncludeDocType:         c.Loader.IncludeDocType,
		DryRun:                 c.DryRun,
	}
	if step := c.Loader.RetryBackoff; step > 0 {
		cfg.RetryBackoff = func(retry int) time.Duration {
			return time.Duration(retry) * step
		}
	}
	return cfg, bulkloader.DefaultConfig(cfg).Validate()
}
