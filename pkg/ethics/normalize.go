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

package ethics

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName canonicalizes a value or agent name for matching: NFKC
// normalization, dashes and underscores folded to spaces, whitespace
// collapsed, lowercased. LLMs return human-readable names with inconsistent
// casing and punctuation; every name comparison in the pipeline goes through
// this function.
func NormalizeName(name string) string {
	name = norm.NFKC.String(name)

	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range name {
		switch {
		case r == '-' || r == '_' || r == '‐' || r == '–' || r == '—':
			r = ' '
		case unicode.IsSpace(r):
			r = ' '
		}
		if r == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimRight(b.String(), " ")
}

// NameIndex builds a normalized-name lookup over the given names, mapping each
// normalized form to its canonical position.
func NameIndex(names []string) map[string]int {
	index := make(map[string]int, len(names))
	for i, name := range names {
		index[NormalizeName(name)] = i
	}
	return index
}
