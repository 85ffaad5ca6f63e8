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

import "strings"

const (
	// physicalPrefix marks an index name as already physical.
	physicalPrefix = "!"

	// familySuffix marks an index name as addressing a family of indices.
	familySuffix = "*"
)

// ResolveIndex maps a logical index name to the physical index name used in
// Elasticsearch.
//
// Names starting with "!" are returned unchanged. Otherwise a trailing "*"
// is set aside, the remaining name is looked up in overrides when
// checkOverrides is true, and falls back to releaseVersion + "_" + name.
// The "*" is then reattached.
//
// A name that already starts with releaseVersion + "_" results in a
// *DoubleVersioningError.
func ResolveIndex(logical, releaseVersion string, checkOverrides bool, overrides map[string]string) (string, error) {
	if strings.HasPrefix(logical, releaseVersion+"_") {
		return "", &DoubleVersioningError{Index: logical, ReleaseVersion: releaseVersion}
	}
	if strings.HasPrefix(logical, physicalPrefix) {
		return logical, nil
	}
	name, hasSuffix := strings.CutSuffix(logical, familySuffix)
	physical, ok := "", false
	if checkOverrides && overrides != nil {
		physical, ok = overrides[name]
	}
	if !ok {
		physical = releaseVersion + "_" + name
	}
	if hasSuffix {
		physical += familySuffix
	}
	return physical, nil
}

// IndexResolver binds the release version and override table used to
// resolve index names, so that writes and index administration always
// agree on the physical name.
type IndexResolver struct {
	// ReleaseVersion is prefixed to every versioned index name.
	ReleaseVersion string

	// Overrides maps logical names to custom physical names. It is only
	// consulted when CheckOverrides is true, and never modified.
	Overrides map[string]string

	CheckOverrides bool
}

// Resolve returns the physical index name for logical.
func (r IndexResolver) Resolve(logical string) (string, error) {
	return ResolveIndex(logical, r.ReleaseVersion, r.CheckOverrides, r.Overrides)
}
