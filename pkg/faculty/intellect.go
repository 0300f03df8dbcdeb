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

// Package faculty implements the four cognitive faculties of a governed
// agent: Intellect drafts the answer, Will gates it against rules,
// Conscience scores it against the value rubrics, and Spirit folds the
// scores into a running ethical state.
package faculty

import (
	"context"
	"fmt"
	"strings"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
	"github.com/jnamaya/SAFi-sub000/pkg/rag"
)

// ContextPlaceholder marks where retrieved context is interpolated into a
// worldview. Worldviews without the placeholder get context appended as a
// separate section.
const ContextPlaceholder = "{context}"

// TurnContext carries the per-turn injections the Intellect assembles into
// its system prompt. All fields are optional.
type TurnContext struct {
	UserName     string
	UserProfile  string // compact JSON profile, injected verbatim
	Summary      string // rolling conversation summary
	FeedbackSeed string // spirit feedback seed from the previous turn

	// Plugin outputs. PluginContext is preformatted context that bypasses
	// retrieval formatting; RAGQueryOverride replaces the retrieval query;
	// PluginError is disclosed to the model rather than failing the turn.
	PluginContext    string
	RAGQueryOverride string
	PluginError      string
}

// Intellect drafts answers in the agent's voice, grounded in retrieved
// context and the agent's running ethical state.
type Intellect struct {
	agent    *ethics.Agent
	router   *llms.Router
	provider rag.Provider
}

// NewIntellect wires the drafting faculty. provider may be nil for agents
// without a knowledge base.
func NewIntellect(agent *ethics.Agent, router *llms.Router, provider rag.Provider) *Intellect {
	if provider == nil {
		provider = rag.Disabled{}
	}
	return &Intellect{agent: agent, router: router, provider: provider}
}

// Run retrieves context, assembles the system prompt, and generates
// (answer, reflection). The returned contextUsed is preserved verbatim for
// the Conscience. On provider error answer and reflection are empty and the
// error is returned; contextUsed is still valid.
func (f *Intellect) Run(ctx context.Context, userPrompt string, tc TurnContext) (answer, reflection, contextUsed string, err error) {
	query := userPrompt
	if tc.RAGQueryOverride != "" {
		query = tc.RAGQueryOverride
	}

	format := f.agent.RAGFormat
	if format == "" {
		format = rag.DefaultFormat
	}
	retrieved := f.provider.GetContext(ctx, query, format)

	contextUsed = joinSections("\n\n", tc.PluginContext, retrieved)
	if tc.PluginError != "" {
		directive := fmt.Sprintf("[A supporting tool failed: %s. Disclose this limitation to the user where relevant.]", tc.PluginError)
		contextUsed = joinSections("\n\n", directive, contextUsed)
	}

	system := f.systemPrompt(contextUsed, tc)
	return f.router.RunIntellect(ctx, system, userPrompt, contextUsed)
}

func (f *Intellect) systemPrompt(contextUsed string, tc TurnContext) string {
	var b strings.Builder

	worldview := f.agent.Worldview
	if strings.Contains(worldview, ContextPlaceholder) {
		worldview = strings.ReplaceAll(worldview, ContextPlaceholder, contextUsed)
		b.WriteString(worldview)
	} else {
		b.WriteString(worldview)
		if contextUsed != "" {
			b.WriteString("\n\n## Context\n")
			b.WriteString(contextUsed)
		}
	}

	if tc.UserName != "" {
		fmt.Fprintf(&b, "\n\nYou are speaking with %s.", tc.UserName)
	}
	if tc.UserProfile != "" {
		b.WriteString("\n\n## What you know about this user\n")
		b.WriteString(tc.UserProfile)
	}
	if tc.Summary != "" {
		b.WriteString("\n\n## Conversation so far\n")
		b.WriteString(tc.Summary)
	}
	if tc.FeedbackSeed != "" {
		b.WriteString("\n\n## Ethical self-awareness\n")
		b.WriteString(tc.FeedbackSeed)
	}

	if f.agent.Style != "" {
		b.WriteString("\n\n## Style\n")
		b.WriteString(f.agent.Style)
	}

	b.WriteString("\n\nAfter your answer, append the line ")
	b.WriteString(parse.ReflectionDelimiter)
	b.WriteString(" followed by a JSON object {\"reflection\": \"...\"} briefly explaining how your answer honors your values.")

	return b.String()
}

// joinSections concatenates non-empty parts with sep.
func joinSections(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
