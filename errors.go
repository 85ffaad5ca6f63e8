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
	"strings"
)

var (
	// ErrClosed is returned from methods of closed Loaders.
	ErrClosed = errors.New("loader closed")

	errMissingIndex = errors.New("missing index name")
	errMissingBody  = errors.New("missing document body")

	// errIndexNotFound is returned by admin calls answered with a 404.
	errIndexNotFound = errors.New("index not found")
)

// DoubleVersioningError is returned when a logical index name already
// carries the release version prefix.
type DoubleVersioningError struct {
	Index          string
	ReleaseVersion string
}

func (e *DoubleVersioningError) Error() string {
	return fmt.Sprintf("cannot add release version %q twice to index %q", e.ReleaseVersion, e.Index)
}

// AcknowledgementError is returned when Elasticsearch does not acknowledge
// the creation or deletion of an index.
type AcknowledgementError struct {
	// Op is the declined operation, "create" or "delete".
	Op     string
	Index  string
	Reason string
}

func (e *AcknowledgementError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s of index %s was not acknowledged", e.Op, e.Index)
	}
	return fmt.Sprintf("%s of index %s was not acknowledged: %s", e.Op, e.Index, e.Reason)
}

// TransientWriteError is returned by Flush once every bulk request attempt
// for the buffered documents has failed. The documents stay buffered.
type TransientWriteError struct {
	// Indices holds the physical indices targeted by the buffered documents.
	Indices   []string
	Documents int
	Attempts  int

	// Err holds the last error returned by Elasticsearch, joined with the
	// context error when the retries were cancelled.
	Err error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf(
		"bulk write to [%s] failed after %d attempts, %d documents still buffered: %v",
		strings.Join(e.Indices, ","), e.Attempts, e.Documents, e.Err,
	)
}

func (e *TransientWriteError) Unwrap() error {
	return e.Err
}

// MappingMismatchError reports a difference between the mapping or settings
// sent on index creation and the ones Elasticsearch materialised.
type MappingMismatchError struct {
	Index string

	// Section is either "mappings" or "settings".
	Section string

	// DocType holds the document type of a typed mapping, if any.
	DocType string

	// Diff holds a human readable diff, requested (-) vs materialised (+).
	Diff string
}

func (e *MappingMismatchError) Error() string {
	where := e.Section
	if e.DocType != "" {
		where = fmt.Sprintf("%s for document type %s", e.Section, e.DocType)
	}
	return fmt.Sprintf("%s in index %s differ from the requested ones (-requested +actual):\n%s", where, e.Index, e.Diff)
}

// ackError holds the error payload of an unacknowledged response.
type ackError struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	RootCause []struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"root_cause"`
}

func (e *ackError) String() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return e.Reason
	}
	return e.Type + ": " + e.Reason
}

// alreadyExists reports whether the error says the index already exists.
func (e *ackError) alreadyExists() bool {
	if e == nil {
		return false
	}
	if e.Type == "resource_already_exists_exception" || e.Reason == "already exists" {
		return true
	}
	for _, c := range e.RootCause {
		if c.Type == "resource_already_exists_exception" || c.Reason == "already exists" {
			return true
		}
	}
	return false
}
