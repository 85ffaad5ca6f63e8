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
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// ackResponse is the body of acknowledged index and cluster operations.
type ackResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type errorResponse struct {
	Error *ackError `json:"error"`
}

// responseError is returned when Elasticsearch answers with an error status.
type responseError struct {
	statusCode int
	cause      *ackError
}

func (e *responseError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("elasticsearch returned status %d", e.statusCode)
	}
	return fmt.Sprintf("elasticsearch returned status %d: %s", e.statusCode, e.cause)
}

func (e *responseError) Is(target error) bool {
	return target == errIndexNotFound && e.statusCode == http.StatusNotFound
}

// indexSettingsResponse is one entry of a flat_settings=true _settings response.
type indexSettingsResponse struct {
	Settings map[string]any `json:"settings"`
	Defaults map[string]any `json:"defaults"`
}

type indexMappingResponse struct {
	Mappings map[string]any `json:"mappings"`
}

type clusterSettingsResponse struct {
	Persistent map[string]any `json:"persistent"`
	Transient  map[string]any `json:"transient"`
}

// do executes req and decodes a successful response body into v, if v is
// not nil. Error statuses are returned as *responseError.
func (l *Loader) do(ctx context.Context, req esapi.Request, v any) error {
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		var body errorResponse
		// The error body is informational, HEAD responses have none.
		_ = jsoniter.NewDecoder(res.Body).Decode(&body)
		return &responseError{statusCode: res.StatusCode, cause: body.Error}
	}
	if v == nil {
		return nil
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func encodeJSON(v any) (io.Reader, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

func (l *Loader) indexExists(ctx context.Context, index string) (bool, error) {
	err := l.do(ctx, esapi.IndicesExistsRequest{Index: []string{index}}, nil)
	switch {
	case errors.Is(err, errIndexNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check if index %s exists: %w", index, err)
	}
	return true, nil
}

func (l *Loader) deleteIndex(ctx context.Context, index string) error {
	var ack ackResponse
	err := l.do(ctx, esapi.IndicesDeleteRequest{Index: []string{index}}, &ack)
	var rerr *responseError
	switch {
	case errors.As(err, &rerr):
		return &AcknowledgementError{Op: "delete", Index: index, Reason: rerr.cause.String()}
	case err != nil:
		return fmt.Errorf("failed to delete index %s: %w", index, err)
	case !ack.Acknowledged:
		return &AcknowledgementError{Op: "delete", Index: index}
	}
	return nil
}

// createIndex creates the index with body, which may be nil. It returns
// false without error when the index already exists.
func (l *Loader) createIndex(ctx context.Context, index string, body map[string]any) (bool, error) {
	req := esapi.IndicesCreateRequest{Index: index}
	if len(body) > 0 {
		r, err := encodeJSON(body)
		if err != nil {
			return false, fmt.Errorf("failed to encode index %s body: %w", index, err)
		}
		req.Body = r
	}
	var ack ackResponse
	err := l.do(ctx, req, &ack)
	var rerr *responseError
	switch {
	case errors.As(err, &rerr) && rerr.cause.alreadyExists():
		return false, nil
	case errors.As(err, &rerr):
		return false, &AcknowledgementError{Op: "create", Index: index, Reason: rerr.cause.String()}
	case err != nil:
		return false, fmt.Errorf("failed to create index %s: %w", index, err)
	case !ack.Acknowledged:
		return false, &AcknowledgementError{Op: "create", Index: index}
	}
	return true, nil
}

// indexSettings returns the flat settings of index, e.g. "index.number_of_replicas".
// Settings left to their default value are only included with includeDefaults.
func (l *Loader) indexSettings(ctx context.Context, index string, includeDefaults bool) (map[string]any, error) {
	flat := true
	var resp map[string]indexSettingsResponse
	if err := l.do(ctx, esapi.IndicesGetSettingsRequest{
		Index:           []string{index},
		FlatSettings:    &flat,
		IncludeDefaults: &includeDefaults,
	}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get index %s settings: %w", index, err)
	}
	entry, ok := pickIndex(resp, index)
	if !ok {
		return nil, fmt.Errorf("index %s missing from settings response", index)
	}
	settings := make(map[string]any, len(entry.Defaults)+len(entry.Settings))
	for k, v := range entry.Defaults {
		settings[k] = v
	}
	for k, v := range entry.Settings {
		settings[k] = v
	}
	return settings, nil
}

func (l *Loader) putIndexSettings(ctx context.Context, index string, settings map[string]any) error {
	body, err := encodeJSON(map[string]any{"index": settings})
	if err != nil {
		return err
	}
	var ack ackResponse
	if err := l.do(ctx, esapi.IndicesPutSettingsRequest{
		Index: []string{index},
		Body:  body,
	}, &ack); err != nil {
		return fmt.Errorf("failed to update index %s settings: %w", index, err)
	}
	if !ack.Acknowledged {
		return &AcknowledgementError{Op: "settings update", Index: index}
	}
	return nil
}

func (l *Loader) indexMapping(ctx context.Context, index string) (map[string]any, error) {
	var resp map[string]indexMappingResponse
	if err := l.do(ctx, esapi.IndicesGetMappingRequest{Index: []string{index}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get index %s mapping: %w", index, err)
	}
	entry, ok := pickIndex(resp, index)
	if !ok {
		return nil, fmt.Errorf("index %s missing from mapping response", index)
	}
	return entry.Mappings, nil
}

func (l *Loader) clusterSettings(ctx context.Context) (clusterSettingsResponse, error) {
	flat := true
	var resp clusterSettingsResponse
	if err := l.do(ctx, esapi.ClusterGetSettingsRequest{FlatSettings: &flat}, &resp); err != nil {
		return resp, fmt.Errorf("failed to get cluster settings: %w", err)
	}
	return resp, nil
}

func (l *Loader) putPersistentClusterSettings(ctx context.Context, settings map[string]any) error {
	body, err := encodeJSON(map[string]any{"persistent": settings})
	if err != nil {
		return err
	}
	var ack ackResponse
	if err := l.do(ctx, esapi.ClusterPutSettingsRequest{Body: body}, &ack); err != nil {
		return fmt.Errorf("failed to update cluster settings: %w", err)
	}
	if !ack.Acknowledged {
		return errors.New("cluster settings update was not acknowledged")
	}
	return nil
}

// flushIndex flushes index, waiting for any ongoing flush to complete. A
// missing index results in an error matching errIndexNotFound.
func (l *Loader) flushIndex(ctx context.Context, index string) error {
	wait := true
	if err := l.do(ctx, esapi.IndicesFlushRequest{
		Index:         []string{index},
		WaitIfOngoing: &wait,
	}, nil); err != nil {
		return fmt.Errorf("failed to flush index %s: %w", index, err)
	}
	return nil
}

func (l *Loader) forceMerge(ctx context.Context, index string, maxSegments int) error {
	if err := l.do(ctx, esapi.IndicesForcemergeRequest{
		Index:          []string{index},
		MaxNumSegments: &maxSegments,
	}, nil); err != nil {
		return fmt.Errorf("failed to force merge index %s: %w", index, err)
	}
	return nil
}

// pickIndex returns the response entry for index. Responses for an alias
// are keyed by the concrete index, which is used when it is the only entry.
func pickIndex[T any](resp map[string]T, index string) (T, bool) {
	if v, ok := resp[index]; ok {
		return v, true
	}
	if len(resp) == 1 {
		for _, v := range resp {
			return v, true
		}
	}
	var zero T
	return zero, false
}
