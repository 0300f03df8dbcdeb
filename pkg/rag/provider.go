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

// Package rag defines the context-provider port the pipeline consumes.
// Retrieval never aborts a turn: failures degrade to an inline marker string
// the model (and the audit trail) can see.
package rag

import (
	"context"
	"strings"
)

// NoDocumentsFound is returned when retrieval is enabled but nothing matched.
const NoDocumentsFound = "[NO DOCUMENTS FOUND]"

// ErrorPrefix starts the degraded-context marker emitted on retrieval failure.
const ErrorPrefix = "[RAG ERROR: "

// DefaultFormat renders one retrieved chunk when the agent has no template.
const DefaultFormat = "- {content}"

// Provider produces a single formatted context string for a query.
// Implementations never return an error; degraded context is expressed
// in-band so the turn can proceed.
type Provider interface {
	GetContext(ctx context.Context, query, formatTemplate string) string
}

// ErrorContext formats a retrieval failure as degraded inline context.
func ErrorContext(err error) string {
	return ErrorPrefix + err.Error() + "]"
}

// FormatChunk renders one chunk through the agent's template. Recognized
// placeholders: {content}, {source}.
func FormatChunk(format, content, source string) string {
	if format == "" {
		format = DefaultFormat
	}
	out := strings.ReplaceAll(format, "{content}", content)
	out = strings.ReplaceAll(out, "{source}", source)
	return out
}

// Disabled is the provider used when retrieval is off; it always yields the
// empty string.
type Disabled struct{}

func (Disabled) GetContext(ctx context.Context, query, formatTemplate string) string {
	return ""
}

// Static returns fixed chunks for every query; used by tests and by plugin
// outputs that substitute preformatted context.
type Static struct {
	Chunks []string
}

func (s Static) GetContext(ctx context.Context, query, formatTemplate string) string {
	if len(s.Chunks) == 0 {
		return NoDocumentsFound
	}
	formatted := make([]string, len(s.Chunks))
	for i, chunk := range s.Chunks {
		formatted[i] = FormatChunk(formatTemplate, chunk, "")
	}
	return strings.Join(formatted, "\n")
}
