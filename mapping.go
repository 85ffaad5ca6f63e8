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
	"path"
)

func (m IndexMapping) validate() error {
	if m.Pattern == "" {
		return errors.New("empty pattern")
	}
	if _, err := path.Match(m.Pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", m.Pattern, err)
	}
	return nil
}

// matches reports whether m applies to the physical index.
func (m IndexMapping) matches(index string) bool {
	ok, _ := path.Match(m.Pattern, index)
	return ok
}

// mappings returns the "mappings" section of the body, if any.
func (m IndexMapping) mappings() map[string]any {
	v, _ := m.Body["mappings"].(map[string]any)
	return v
}

// settings returns the "settings" section of the body, if any.
func (m IndexMapping) settings() map[string]any {
	v, _ := m.Body["settings"].(map[string]any)
	return v
}

// findMapping returns the first mapping whose pattern matches index.
func findMapping(mappings []IndexMapping, index string) (IndexMapping, bool) {
	for _, m := range mappings {
		if m.matches(index) {
			return m, true
		}
	}
	return IndexMapping{}, false
}
