// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// stripFences returns the contents of the first fenced code block, or the
// input unchanged when no fence is present.
func stripFences(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

// outermost returns the substring between the first opening and last closing
// bracket of the given pair, inclusive. ok is false when no balanced pair exists.
func outermost(raw string, open, close byte) (string, bool) {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, close)
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// looseUnmarshal attempts to decode model output as JSON, tolerating fenced
// blocks, surrounding prose, and trailing commas. It tries the object form
// first, then the bare-array form.
func looseUnmarshal(raw string, v any) bool {
	candidates := make([]string, 0, 4)

	trimmed := strings.TrimSpace(stripFences(raw))
	candidates = append(candidates, trimmed)
	if obj, ok := outermost(trimmed, '{', '}'); ok {
		candidates = append(candidates, obj)
	}
	if arr, ok := outermost(trimmed, '[', ']'); ok {
		candidates = append(candidates, arr)
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if json.Unmarshal([]byte(candidate), v) == nil {
			return true
		}
		// Retry with trailing commas repaired.
		repaired := trailingCommaRe.ReplaceAllString(candidate, "$1")
		if repaired != candidate && json.Unmarshal([]byte(repaired), v) == nil {
			return true
		}
	}
	return false
}

// matchObjectFrom scans forward from the opening brace at start and returns
// the end index (exclusive) of the balanced object, honoring string literals.
func matchObjectFrom(raw string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
