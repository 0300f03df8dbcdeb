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

// Package parse extracts structured faculty output from free-form model text.
// All functions are pure: they never error, never mutate shared state, and
// degrade to a well-defined salvage result on malformed input.
package parse

import "strings"

// ReflectionDelimiter separates the answer body from the reflection payload
// in the canonical Intellect output shape.
const ReflectionDelimiter = "---REFLECTION---"

// SalvageReflection is the sentinel reflection used when the model returned
// prose with no recoverable reflection structure.
const SalvageReflection = "No structured reflection provided; output treated as answer only."

type reflectionPayload struct {
	Reflection string `json:"reflection"`
}

// Intellect splits raw model output into (answer, reflection).
//
// Accepted shapes, tried in order:
//  1. "<answer>---REFLECTION---{json}" with a JSON object carrying "reflection"
//  2. free text followed by a JSON object containing a "reflection" key,
//     optionally inside a fenced code block
//  3. raw prose: the whole text becomes the answer, SalvageReflection the reflection
func Intellect(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", SalvageReflection
	}

	// Shape 1: explicit delimiter.
	if idx := strings.Index(raw, ReflectionDelimiter); idx >= 0 {
		answer := strings.TrimSpace(raw[:idx])
		tail := strings.TrimSpace(raw[idx+len(ReflectionDelimiter):])

		var payload reflectionPayload
		if looseUnmarshal(tail, &payload) && payload.Reflection != "" {
			return answer, payload.Reflection
		}
		if tail != "" {
			return answer, tail
		}
		return answer, SalvageReflection
	}

	// Shape 2a: fenced block whose JSON carries a reflection key.
	if fenced := fenceRe.FindStringSubmatchIndex(raw); fenced != nil {
		block := strings.TrimSpace(raw[fenced[2]:fenced[3]])
		var payload reflectionPayload
		if looseUnmarshal(block, &payload) && payload.Reflection != "" {
			answer := strings.TrimSpace(raw[:fenced[0]] + raw[fenced[1]:])
			return answer, payload.Reflection
		}
	}

	// Shape 2b: reverse search for a trailing object with a "reflection" key.
	if answer, reflection, ok := splitTrailingReflection(raw); ok {
		return answer, reflection
	}

	// Shape 3: salvage.
	return raw, SalvageReflection
}

// splitTrailingReflection locates the last `"reflection"` key, walks back to
// the opening brace of its enclosing object, and brace-matches forward.
func splitTrailingReflection(raw string) (string, string, bool) {
	keyIdx := strings.LastIndex(raw, `"reflection"`)
	if keyIdx < 0 {
		return "", "", false
	}

	start := strings.LastIndexByte(raw[:keyIdx], '{')
	if start < 0 {
		return "", "", false
	}

	end, ok := matchObjectFrom(raw, start)
	if !ok {
		return "", "", false
	}

	var payload reflectionPayload
	if !looseUnmarshal(raw[start:end], &payload) || payload.Reflection == "" {
		return "", "", false
	}

	answer := strings.TrimSpace(raw[:start] + raw[end:])
	return answer, payload.Reflection, true
}
