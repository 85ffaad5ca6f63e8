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

package bulkloadertest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

// DefaultIndexSettings are the settings of indices created without
// explicit ones, in flat form.
var DefaultIndexSettings = map[string]string{
	"index.number_of_shards":   "1",
	"index.number_of_replicas": "1",
}

// implicitIndexSettings are only returned with include_defaults=true,
// unless they are set explicitly.
var implicitIndexSettings = map[string]string{
	"index.refresh_interval":    "1s",
	"index.translog.durability": "request",
}

// Request is a request received by a Cluster.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body holds the request body, decompressed.
	Body []byte
}

// Index is a snapshot of an index held by a Cluster.
type Index struct {
	// Settings holds the index settings in flat form, e.g. "index.number_of_replicas".
	Settings map[string]string
	Mappings map[string]any

	// Documents holds the indexed documents by ID.
	Documents map[string]json.RawMessage

	Flushes     int
	ForceMerges int
}

// Fault is an error response injected by a Cluster.
type Fault struct {
	Method string

	// Path is a path.Match pattern, e.g. "/*/_forcemerge".
	Path string

	Status int
	Type   string
	Reason string

	// Times holds the number of requests to fail, zero fails all of them.
	Times int
}

// Cluster is an in-memory Elasticsearch cluster, serving the subset of the
// API used for bulk loading: _bulk, index creation and deletion, index and
// cluster settings, mappings, flush and force merge.
type Cluster struct {
	server *httptest.Server

	mu             sync.Mutex
	indices        map[string]*Index
	persistent     map[string]string
	requests       []Request
	faults         []*Fault
	unacknowledged []Fault
	bulkHandler    http.HandlerFunc
	mappingFunc    func(index string, mappings map[string]any) map[string]any
	autoID         int

	forceMergeDelay    time.Duration
	forceMergeInflight int
	forceMergeMax      int
}

// NewCluster starts a Cluster, which is closed when the test ends.
func NewCluster(t testing.TB) *Cluster {
	c := &Cluster{
		indices:    make(map[string]*Index),
		persistent: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_bulk", c.handleBulk)
	mux.HandleFunc("PUT /_bulk", c.handleBulk)
	mux.HandleFunc("GET /_cluster/settings", c.handleGetClusterSettings)
	mux.HandleFunc("PUT /_cluster/settings", c.handlePutClusterSettings)
	mux.HandleFunc("HEAD /{index}", c.handleIndexExists)
	mux.HandleFunc("PUT /{index}", c.handleCreateIndex)
	mux.HandleFunc("DELETE /{index}", c.handleDeleteIndex)
	mux.HandleFunc("GET /{index}/_settings", c.handleGetSettings)
	mux.HandleFunc("PUT /{index}/_settings", c.handlePutSettings)
	mux.HandleFunc("GET /{index}/_mapping", c.handleGetMapping)
	mux.HandleFunc("POST /{index}/_flush", c.handleFlush)
	mux.HandleFunc("POST /{index}/_forcemerge", c.handleForceMerge)

	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		body, err := ReadBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		c.record(r, body)
		r.Header.Del("Content-Encoding")
		if f := c.fault(r); f != nil {
			writeError(w, f.Status, f.Type, f.Reason)
			return
		}
		if c.isUnacknowledged(r) {
			writeJSON(w, http.StatusOK, map[string]any{"acknowledged": false})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(c.server.Close)
	return c
}

// URL returns the address of the cluster.
func (c *Cluster) URL() string {
	return c.server.URL
}

// Client returns an elasticsearch.Client for the cluster.
func (c *Cluster) Client(t testing.TB) *elasticsearch.Client {
	return newClient(t, c.server.URL)
}

// CreateIndex adds an index with settings, merged over DefaultIndexSettings,
// and mappings, which may be nil.
func (c *Cluster) CreateIndex(name string, settings map[string]string, mappings map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := newIndex()
	for k, v := range settings {
		idx.Settings[k] = v
	}
	if mappings != nil {
		idx.Mappings = mappings
	}
	c.indices[name] = idx
}

// Index returns a snapshot of the named index.
func (c *Cluster) Index(name string) (Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		return Index{}, false
	}
	return Index{
		Settings:    maps.Clone(idx.Settings),
		Mappings:    idx.Mappings,
		Documents:   maps.Clone(idx.Documents),
		Flushes:     idx.Flushes,
		ForceMerges: idx.ForceMerges,
	}, true
}

// Indices returns the sorted names of the cluster indices.
func (c *Cluster) Indices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.indices))
	for name := range c.indices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PersistentSettings returns the persistent cluster settings in flat form.
func (c *Cluster) PersistentSettings() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.persistent)
}

// Requests returns the requests received so far.
func (c *Cluster) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

// CountRequests returns the number of requests received with method and a
// path matching the path.Match pattern.
func (c *Cluster) CountRequests(method, pattern string) int {
	var n int
	for _, r := range c.Requests() {
		if ok, _ := path.Match(pattern, r.Path); ok && r.Method == method {
			n++
		}
	}
	return n
}

// SetBulkHandler replaces the _bulk handler. Requests are still recorded.
func (c *Cluster) SetBulkHandler(h http.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bulkHandler = h
}

// Inject makes the cluster answer requests matching f with an error.
// Faults are evaluated in the order they were injected.
func (c *Cluster) Inject(f Fault) {
	if f.Status == 0 {
		f.Status = http.StatusInternalServerError
	}
	if f.Type == "" {
		f.Type = "exception"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &f)
}

// Unacknowledge makes the cluster answer requests with method and a path
// matching pattern with {"acknowledged": false}, ignoring them.
func (c *Cluster) Unacknowledge(method, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unacknowledged = append(c.unacknowledged, Fault{Method: method, Path: pattern})
}

// SetMappingFunc sets a function rewriting the mappings of created indices,
// simulating mappings materialised differently than requested.
func (c *Cluster) SetMappingFunc(f func(index string, mappings map[string]any) map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappingFunc = f
}

// SetForceMergeDelay makes force merges take at least d.
func (c *Cluster) SetForceMergeDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceMergeDelay = d
}

// MaxConcurrentForceMerges returns the highest number of force merges
// served concurrently.
func (c *Cluster) MaxConcurrentForceMerges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceMergeMax
}

func (c *Cluster) record(r *http.Request, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
}

func (c *Cluster) fault(r *http.Request) *Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.faults {
		if f.Method != r.Method {
			continue
		}
		if ok, _ := path.Match(f.Path, r.URL.Path); !ok {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				c.faults = slices.Delete(c.faults, i, i+1)
			}
		}
		return f
	}
	return nil
}

func (c *Cluster) isUnacknowledged(r *http.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.unacknowledged {
		if ok, _ := path.Match(f.Path, r.URL.Path); ok && f.Method == r.Method {
			return true
		}
	}
	return false
}

func newIndex() *Index {
	return &Index{
		Settings:  maps.Clone(DefaultIndexSettings),
		Mappings:  map[string]any{},
		Documents: make(map[string]json.RawMessage),
	}
}

func (c *Cluster) handleBulk(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	h := c.bulkHandler
	c.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	actions, err := decodeBulkBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "illegal_argument_exception", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var hasErrors bool
	items := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		item := map[string]any{"_index": a.Index}
		switch {
		case a.Action == "delete":
			idx, ok := c.indices[a.Index]
			if ok {
				delete(idx.Documents, a.ID)
			}
			item["_id"] = a.ID
			item["status"] = http.StatusOK
		case !json.Valid(a.Source) || !bytes.HasPrefix(bytes.TrimSpace(a.Source), []byte("{")):
			hasErrors = true
			item["_id"] = a.ID
			item["status"] = http.StatusBadRequest
			item["error"] = map[string]any{
				"type":   "mapper_parsing_exception",
				"reason": "failed to parse. Preview of field's value: '" + string(a.Source) + "'",
			}
		default:
			idx, ok := c.indices[a.Index]
			if !ok {
				idx = newIndex()
				c.indices[a.Index] = idx
			}
			id := a.ID
			if id == "" {
				c.autoID++
				id = "auto-" + strconv.Itoa(c.autoID)
			}
			status, result := http.StatusCreated, "created"
			if _, exists := idx.Documents[id]; exists {
				status, result = http.StatusOK, "updated"
			}
			idx.Documents[id] = a.Source
			item["_id"] = id
			item["status"] = status
			item["result"] = result
		}
		items = append(items, map[string]any{a.Action: item})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"took":   1,
		"errors": hasErrors,
		"items":  items,
	})
}

func (c *Cluster) handleIndexExists(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	_, ok := c.indices[r.PathValue("index")]
	c.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Cluster) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	var body struct {
		Settings map[string]any `json:"settings"`
		Mappings map[string]any `json:"mappings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; ok {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception",
			fmt.Sprintf("index [%s] already exists", name))
		return
	}
	idx := newIndex()
	for k, v := range flattenIndexSettings(body.Settings) {
		idx.Settings[k] = v
	}
	if body.Mappings != nil {
		idx.Mappings = body.Mappings
	}
	if c.mappingFunc != nil {
		idx.Mappings = c.mappingFunc(name, idx.Mappings)
	}
	c.indices[name] = idx
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged":        true,
		"shards_acknowledged": true,
		"index":               name,
	})
}

func (c *Cluster) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; !ok {
		writeIndexNotFound(w, name)
		return
	}
	delete(c.indices, name)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (c *Cluster) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	flat := r.URL.Query().Get("flat_settings") == "true"
	includeDefaults := r.URL.Query().Get("include_defaults") == "true"

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		writeIndexNotFound(w, name)
		return
	}
	entry := map[string]any{"settings": formatSettings(idx.Settings, flat)}
	if includeDefaults {
		defaults := make(map[string]string)
		for k, v := range implicitIndexSettings {
			if _, ok := idx.Settings[k]; !ok {
				defaults[k] = v
			}
		}
		entry["defaults"] = formatSettings(defaults, flat)
	}
	writeJSON(w, http.StatusOK, map[string]any{name: entry})
}

func (c *Cluster) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		writeIndexNotFound(w, name)
		return
	}
	for k, v := range flattenIndexSettings(body) {
		if v == "" {
			delete(idx.Settings, k)
			continue
		}
		idx.Settings[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (c *Cluster) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		writeIndexNotFound(w, name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{name: map[string]any{"mappings": idx.Mappings}})
}

func (c *Cluster) handleGetClusterSettings(w http.ResponseWriter, r *http.Request) {
	flat := r.URL.Query().Get("flat_settings") == "true"
	c.mu.Lock()
	defer c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"persistent": formatSettings(c.persistent, flat),
		"transient":  map[string]any{},
	})
}

func (c *Cluster) handlePutClusterSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Persistent map[string]any `json:"persistent"`
		Transient  map[string]any `json:"transient"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	persistent := make(map[string]string)
	flattenSettings("", body.Persistent, persistent)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range persistent {
		if v == "" {
			delete(c.persistent, k)
			continue
		}
		c.persistent[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"persistent":   formatSettings(persistent, false),
		"transient":    map[string]any{},
	})
}

func (c *Cluster) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		writeIndexNotFound(w, name)
		return
	}
	idx.Flushes++
	writeJSON(w, http.StatusOK, map[string]any{
		"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0},
	})
}

func (c *Cluster) handleForceMerge(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	idx, ok := c.indices[name]
	if !ok {
		c.mu.Unlock()
		writeIndexNotFound(w, name)
		return
	}
	c.forceMergeInflight++
	c.forceMergeMax = max(c.forceMergeMax, c.forceMergeInflight)
	delay := c.forceMergeDelay
	c.mu.Unlock()

	time.Sleep(delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceMergeInflight--
	idx.ForceMerges++
	writeJSON(w, http.StatusOK, map[string]any{
		"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0},
	})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return err
	}
	return json.Unmarshal(body, v)
}

// flattenIndexSettings flattens settings and prefixes every key with "index.".
func flattenIndexSettings(settings map[string]any) map[string]string {
	flat := make(map[string]string)
	flattenSettings("", settings, flat)
	out := make(map[string]string, len(flat))
	for k, v := range flat {
		if !strings.HasPrefix(k, "index.") {
			k = "index." + k
		}
		out[k] = v
	}
	return out
}

// flattenSettings writes settings to out with dotted keys. Null values are
// written as empty strings.
func flattenSettings(prefix string, settings map[string]any, out map[string]string) {
	for k, v := range settings {
		switch v := v.(type) {
		case map[string]any:
			flattenSettings(prefix+k+".", v, out)
		case nil:
			out[prefix+k] = ""
		case string:
			out[prefix+k] = v
		case float64:
			out[prefix+k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[prefix+k] = fmt.Sprint(v)
		}
	}
}

// formatSettings returns flat settings as is, or nested on dots.
func formatSettings(settings map[string]string, flat bool) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if flat {
			out[k] = v
			continue
		}
		parts := strings.Split(k, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}
	return out
}

func writeIndexNotFound(w http.ResponseWriter, index string) {
	writeError(w, http.StatusNotFound, "index_not_found_exception",
		fmt.Sprintf("no such index [%s]", index))
}

func writeError(w http.ResponseWriter, status int, errType, reason string) {
	cause := map[string]any{"type": errType, "reason": reason}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"root_cause": []any{cause},
			"type":       errType,
			"reason":     reason,
		},
		"status": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
