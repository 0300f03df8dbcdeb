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

// Package testutils provides shared fixtures for faculty and orchestrator
// tests: a scripted LLM provider, a canned agent, and a route table whose
// model names let the scripted provider tell routes apart.
package testutils

import (
	"context"
	"sync"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
)

// Model names used in the scripted route table. The router stamps the model
// onto each request, so scripted responses key on these.
const (
	IntellectModel   = "intellect-model"
	WillModel        = "will-model"
	ConscienceModel  = "conscience-model"
	SummarizerModel  = "summarizer-model"
	SuggestionsModel = "suggestions-model"
)

// ScriptedProvider returns canned responses keyed by request model. Safe for
// concurrent use.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses map[string]string
	queues    map[string][]string
	errs      map[string]error
	calls     []llms.Request
}

// NewScriptedProvider creates a provider with empty scripts.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		responses: make(map[string]string),
		queues:    make(map[string][]string),
		errs:      make(map[string]error),
	}
}

// Script sets the response for a model.
func (p *ScriptedProvider) Script(model, response string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[model] = response
	delete(p.errs, model)
}

// ScriptOnce queues a one-shot response for a model. Queued responses are
// consumed in order before the Script fallback applies.
func (p *ScriptedProvider) ScriptOnce(model, response string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[model] = append(p.queues[model], response)
}

// Fail makes calls for a model return err.
func (p *ScriptedProvider) Fail(model string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[model] = err
}

func (p *ScriptedProvider) Invoke(ctx context.Context, req llms.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err, ok := p.errs[req.Model]; ok && err != nil {
		return "", err
	}
	if queue := p.queues[req.Model]; len(queue) > 0 {
		response := queue[0]
		p.queues[req.Model] = queue[1:]
		return response, nil
	}
	return p.responses[req.Model], nil
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Close() error { return nil }

// Calls returns a copy of the requests seen so far.
func (p *ScriptedProvider) Calls() []llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llms.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallsFor returns the requests made against one model.
func (p *ScriptedProvider) CallsFor(model string) []llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []llms.Request
	for _, req := range p.calls {
		if req.Model == model {
			out = append(out, req)
		}
	}
	return out
}

// NewScriptedRouter builds a Router over a fresh ScriptedProvider with all
// five routes wired to the scripted model names.
func NewScriptedRouter() (*llms.Router, *ScriptedProvider, error) {
	provider := NewScriptedProvider()
	registry := llms.NewRegistry()
	if err := registry.Register("scripted", provider); err != nil {
		return nil, nil, err
	}

	routes := map[string]config.RouteConfig{
		"intellect":   {Provider: "scripted", Model: IntellectModel},
		"will":        {Provider: "scripted", Model: WillModel},
		"conscience":  {Provider: "scripted", Model: ConscienceModel},
		"summarizer":  {Provider: "scripted", Model: SummarizerModel},
		"suggestions": {Provider: "scripted", Model: SuggestionsModel},
	}
	for name, rc := range routes {
		rc.SetDefaults(name)
		routes[name] = rc
	}

	router, err := llms.NewRouter(registry, routes)
	if err != nil {
		return nil, nil, err
	}
	return router, provider, nil
}

// TestAgent returns a small compiled agent usable across faculty tests.
func TestAgent() *ethics.Agent {
	return &ethics.Agent{
		Key:       "fiduciary",
		Name:      "Fiduciary Advisor",
		Worldview: "You are a fiduciary financial advisor. Always act in the client's best interest.",
		Style:     "Plain language, no jargon.",
		Values: []ethics.Value{
			{
				Name:   "Honesty",
				Weight: 0.6,
				Rubric: ethics.Rubric{
					Description: "States facts accurately and discloses uncertainty.",
					ScoringGuide: []ethics.ScoreCriterion{
						{Score: 1, Criteria: "Fully accurate and transparent."},
						{Score: -1, Criteria: "Misleading or deceptive."},
					},
				},
			},
			{
				Name:   "Harm Reduction",
				Weight: 0.4,
				Rubric: ethics.Rubric{
					Description: "Avoids exposing the client to undue risk.",
					ScoringGuide: []ethics.ScoreCriterion{
						{Score: 1, Criteria: "Actively protects the client."},
						{Score: -1, Criteria: "Encourages reckless behavior."},
					},
				},
			},
		},
		WillRules: []string{
			"Never recommend specific securities.",
			"Never guarantee investment returns.",
		},
	}
}
