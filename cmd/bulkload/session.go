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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/elastic/go-bulkloader"
)

const (
	// maxDocumentSize bounds the length of an NDJSON line.
	maxDocumentSize = 64 << 20

	// closeTimeout bounds the final flush and index restore.
	closeTimeout = 10 * time.Minute
)

// session loads NDJSON documents into a single logical index.
type session struct {
	loader *bulkloader.Loader
	logger *zap.Logger

	index   string
	docType string
	idField string

	// recreate deletes and creates the index before loading.
	recreate bool
}

// run loads every document read from r, then closes the loader. It returns
// the number of documents put.
//
// The loader is closed even if ctx is cancelled, so that prepared indices
// get their settings back.
func (s *session) run(ctx context.Context, r io.Reader) (n int, err error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := s.loader.Close(closeCtx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	physical, err := s.loader.ResolveIndex(s.index)
	if err != nil {
		return 0, err
	}
	if s.recreate {
		if physical, err = s.loader.CreateNewIndex(ctx, s.index); err != nil {
			return 0, err
		}
	}
	if err := s.loader.PrepareForBulkLoad(ctx, physical); err != nil {
		return 0, err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDocumentSize)
	for line := 1; scanner.Scan(); line++ {
		doc := bytes.TrimSpace(scanner.Bytes())
		if len(doc) == 0 {
			continue
		}
		if !json.Valid(doc) {
			return n, fmt.Errorf("line %d: invalid JSON document", line)
		}
		if err := s.loader.Put(ctx, s.index, s.docType, s.documentID(doc), json.RawMessage(doc)); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read documents: %w", err)
	}
	if err := s.loader.FlushAndWait(ctx, s.index); err != nil {
		return n, err
	}
	s.logger.Info("documents loaded", zap.String("index", physical), zap.Int("documents", n))
	return n, nil
}

// documentID returns the value of the id field of doc, or a random UUID.
func (s *session) documentID(doc []byte) string {
	if s.idField != "" {
		v := jsoniter.Get(doc, s.idField)
		switch v.ValueType() {
		case jsoniter.StringValue, jsoniter.NumberValue:
			if id := v.ToString(); id != "" {
				return id
			}
		}
	}
	return uuid.NewString()
}
