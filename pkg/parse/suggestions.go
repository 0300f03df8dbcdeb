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
	"regexp"
	"strings"
)

var bulletRe = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s*(.+)$`)

// StringList extracts a list of strings from model output. It accepts a bare
// JSON array, a {"suggestions":[...]} object, or falls back to bullet/numbered
// lines. Returns nil when nothing usable is found.
func StringList(raw string) []string {
	var bare []string
	if looseUnmarshal(raw, &bare) && len(bare) > 0 {
		return trimAll(bare)
	}

	var wrapped struct {
		Suggestions []string `json:"suggestions"`
	}
	if looseUnmarshal(raw, &wrapped) && len(wrapped.Suggestions) > 0 {
		return trimAll(wrapped.Suggestions)
	}

	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
