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
	"strings"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
)

const (
	// dynamicTemplatesKey is rewritten by Elasticsearch and never compared.
	dynamicTemplatesKey = "dynamic_templates"
	defaultMappingType  = "_default_"
)

// typelessMappingKeys are root parameters of a mapping without types. A
// mapping holding any of them is compared as a whole, otherwise each of its
// keys is a document type.
var typelessMappingKeys = []string{
	"properties", "dynamic", dynamicTemplatesKey, "_source", "_meta",
	"_routing", "_field_names", "date_detection", "numeric_detection",
	"dynamic_date_formats", "enabled", "runtime", "subobjects",
}

// ValidateMapping compares the mappings and settings of mapping with the
// ones materialised by Elasticsearch for the physical index.
//
// Only the keys present in mapping are compared, and dynamic templates are
// ignored. Each difference is reported as a *MappingMismatchError; several
// differences are joined. A mapping without body is not validated.
func (l *Loader) ValidateMapping(ctx context.Context, index string, mapping IndexMapping) error {
	requestedMappings := mapping.mappings()
	requestedSettings := mapping.settings()
	if len(requestedMappings) == 0 && len(requestedSettings) == 0 {
		return nil
	}

	var errs []error
	if len(requestedMappings) > 0 {
		actual, err := l.indexMapping(ctx, index)
		if err != nil {
			return err
		}
		errs = append(errs, compareMappings(index, requestedMappings, actual)...)
	}
	if len(requestedSettings) > 0 {
		actual, err := l.indexSettings(ctx, index, false)
		if err != nil {
			return err
		}
		if err := compareSettings(index, requestedSettings, actual); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func compareMappings(index string, requested, actual map[string]any) []error {
	if isTypelessMapping(requested) {
		if diff := diffKeys(requested, actual); diff != "" {
			return []error{&MappingMismatchError{Index: index, Section: "mappings", Diff: diff}}
		}
		return nil
	}
	docTypes := make([]string, 0, len(requested))
	for docType := range requested {
		if docType != defaultMappingType {
			docTypes = append(docTypes, docType)
		}
	}
	slices.Sort(docTypes)

	var errs []error
	for _, docType := range docTypes {
		want, _ := requested[docType].(map[string]any)
		got, _ := actual[docType].(map[string]any)
		if diff := diffKeys(want, got); diff != "" {
			errs = append(errs, &MappingMismatchError{
				Index:   index,
				Section: "mappings",
				DocType: docType,
				Diff:    diff,
			})
		}
	}
	return errs
}

func isTypelessMapping(m map[string]any) bool {
	for _, key := range typelessMappingKeys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// diffKeys compares the keys of want, except dynamic templates, with the
// same keys of got.
func diffKeys(want, got map[string]any) string {
	w := make(map[string]any, len(want))
	g := make(map[string]any, len(want))
	for k, v := range want {
		if k == dynamicTemplatesKey {
			continue
		}
		w[k] = v
		g[k] = got[k]
	}
	return cmp.Diff(normalizeJSON(w), normalizeJSON(g))
}

// normalizeJSON round trips v through JSON so that numbers and nested
// values share the representation of a decoded response.
func normalizeJSON(v any) any {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// compareSettings compares requested index settings with the flat settings
// of the index. Elasticsearch returns setting values as strings, so values
// are compared in their string form.
func compareSettings(index string, requested, actual map[string]any) error {
	want := make(map[string]any)
	flattenSettings("", requested, want)
	got := make(map[string]any, len(want))
	for key := range want {
		got[key] = stringifySetting(actual["index."+key])
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return &MappingMismatchError{Index: index, Section: "settings", Diff: diff}
	}
	return nil
}

// flattenSettings writes settings to out with dotted keys relative to the
// "index" namespace, e.g. {"index": {"number_of_shards": 1}} is written as
// "number_of_shards": "1".
func flattenSettings(prefix string, settings map[string]any, out map[string]any) {
	for k, v := range settings {
		key := prefix + k
		if prefix == "" {
			key = strings.TrimPrefix(key, "index.")
			if key == "index" {
				key = ""
			}
		}
		if nested, ok := v.(map[string]any); ok {
			next := key + "."
			if key == "" {
				next = ""
			}
			flattenSettings(next, nested, out)
			continue
		}
		out[key] = stringifySetting(v)
	}
}

func stringifySetting(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return v
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = stringifySetting(e)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	}
	return fmt.Sprint(v)
}
