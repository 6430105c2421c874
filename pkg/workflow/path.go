// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// ResolvePath resolves a dotted path (".a.b.0.c", leading dot optional)
// against raw, which is expected to be JSON. Numeric segments index into
// arrays. If raw is not JSON, the path does not resolve, or it resolves to
// JSON null, the raw string is returned unchanged. String results pass
// through as-is; other values are re-encoded as compact JSON.
func ResolvePath(raw, path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), ".")
	if path == "" {
		return raw
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw
	}

	query, err := gojq.Parse(toJQProgram(path))
	if err != nil {
		return raw
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok || v == nil {
		return raw
	}
	if _, isErr := v.(error); isErr {
		return raw
	}

	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(encoded)
}

// toJQProgram rewrites a dotted path into a jq program, quoting name
// segments and converting numeric segments to array indexing.
func toJQProgram(path string) string {
	var b strings.Builder
	for _, seg := range strings.Split(path, ".") {
		if _, err := strconv.Atoi(seg); err == nil {
			// A bare leading "[0]" would parse as array construction.
			if b.Len() == 0 {
				b.WriteString(".")
			}
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString(".[" + strconv.Quote(seg) + "]")
	}
	return b.String()
}
