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

// Package bulkloadertest provides an in-memory Elasticsearch cluster for
// testing code built on bulkloader.
package bulkloadertest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction is a decoded action of a _bulk request.
type BulkAction struct {
	// Action is the bulk action, e.g. "index".
	Action string
	Index  string
	Type   string
	ID     string

	// Source holds the document, it is nil for delete actions.
	Source json.RawMessage
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and a response body acknowledging every one of them.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	body, err := ReadBody(r)
	if err != nil {
		panic(err)
	}
	actions, err := decodeBulkBody(body)
	if err != nil {
		panic(err)
	}
	var result esutil.BulkIndexerResponse
	for _, a := range actions {
		item := esutil.BulkIndexerResponseItem{
			Index:      a.Index,
			DocumentID: a.ID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{a.Action: item})
	}
	return actions, result
}

// ReadBody reads the request body, decompressing it if needed.
func ReadBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		body = gr
	}
	return io.ReadAll(body)
}

func decodeBulkBody(body []byte) ([]BulkAction, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var actions []BulkAction
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var meta map[string]struct {
			Index string `json:"_index"`
			Type  string `json:"_type"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			return nil, fmt.Errorf("invalid action line %q: %w", scanner.Text(), err)
		}
		if len(meta) != 1 {
			return nil, fmt.Errorf("expected a single action, got %q", scanner.Text())
		}
		var a BulkAction
		for action, m := range meta {
			a = BulkAction{Action: action, Index: m.Index, Type: m.Type, ID: m.ID}
		}
		if a.Action != "delete" {
			if !scanner.Scan() {
				return nil, fmt.Errorf("expected source after %q", a.Action)
			}
			a.Source = append(json.RawMessage{}, scanner.Bytes()...)
		}
		actions = append(actions, a)
	}
	return actions, scanner.Err()
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	c := NewCluster(t)
	c.SetBulkHandler(bulkHandler)
	return c.Client(t)
}

// newClient returns an elasticsearch.Client sending requests to addr.
// Client side retries are disabled, so that tests observe every failure.
func newClient(t testing.TB, addr string) *elasticsearch.Client {
	config := elasticsearch.Config{}
	config.Addresses = []string{addr}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}
