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

package llms

import (
	"context"
	"fmt"
	"time"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
)

// binding resolves one logical route to a provider, model, and defaults.
type binding struct {
	providerName string
	provider     Provider
	model        string
	temperature  float64
	maxTokens    int
	timeout      time.Duration
}

// Router dispatches logical routes to providers with per-route defaults and
// deadlines, and exposes the typed helpers the faculties call. Routers are
// immutable after construction and safe for concurrent use.
type Router struct {
	bindings map[Route]binding
}

// defaultTemperatures per route: the judging faculties run cold.
var defaultTemperatures = map[Route]float64{
	RouteIntellect:   0.7,
	RouteWill:        0.0,
	RouteConscience:  0.0,
	RouteSummarizer:  0.3,
	RouteSuggestions: 0.7,
}

// NewRouter builds a router from route configs over an existing registry.
func NewRouter(registry *Registry, routes map[string]config.RouteConfig) (*Router, error) {
	bindings := make(map[Route]binding, len(routes))
	for name, rc := range routes {
		provider, err := registry.Get(rc.Provider)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", name, err)
		}

		route := Route(name)
		temperature := defaultTemperatures[route]
		if rc.Temperature != nil {
			temperature = *rc.Temperature
		}

		bindings[route] = binding{
			providerName: rc.Provider,
			provider:     provider,
			model:        rc.Model,
			temperature:  temperature,
			maxTokens:    rc.MaxTokens,
			timeout:      time.Duration(rc.Timeout) * time.Second,
		}
	}
	return &Router{bindings: bindings}, nil
}

// WithModels returns a derived router with per-route model overrides applied.
// Routes absent from the override map keep their existing binding. Used by the
// instance cache to honor agent-level model selection without rebuilding
// providers.
func (r *Router) WithModels(overrides map[Route]string) *Router {
	if len(overrides) == 0 {
		return r
	}
	bindings := make(map[Route]binding, len(r.bindings))
	for route, b := range r.bindings {
		if model, ok := overrides[route]; ok && model != "" {
			b.model = model
		}
		bindings[route] = b
	}
	return &Router{bindings: bindings}
}

// Model returns the model bound to a route, or "" when the route is absent.
func (r *Router) Model(route Route) string {
	return r.bindings[route].model
}

// HasRoute reports whether a route is configured.
func (r *Router) HasRoute(route Route) bool {
	_, ok := r.bindings[route]
	return ok
}

// Invoke runs one generation call on the given route, applying the route's
// deadline and defaults. All failures come back as *ProviderError.
func (r *Router) Invoke(ctx context.Context, route Route, system, user string, params Params) (string, error) {
	b, ok := r.bindings[route]
	if !ok {
		return "", &ProviderError{Route: route, Err: fmt.Errorf("route not configured")}
	}

	temperature := b.temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	maxTokens := b.maxTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}

	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	text, err := b.provider.Invoke(callCtx, Request{
		Model:       b.model,
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", &ProviderError{
			Provider: b.providerName,
			Route:    route,
			Model:    b.model,
			Err:      err,
		}
	}
	return text, nil
}

// RunIntellect invokes the intellect route and splits the output into
// (answer, reflection). contextForAudit is passed through untouched so the
// caller can hand the exact retrieval context to the Conscience later.
func (r *Router) RunIntellect(ctx context.Context, system, user, contextForAudit string) (string, string, string, error) {
	raw, err := r.Invoke(ctx, RouteIntellect, system, user, Params{})
	if err != nil {
		return "", "", contextForAudit, err
	}
	answer, reflection := parse.Intellect(raw)
	return answer, reflection, contextForAudit, nil
}

// RunWill invokes the will route and parses the verdict.
func (r *Router) RunWill(ctx context.Context, system, user string) (parse.Decision, string, error) {
	raw, err := r.Invoke(ctx, RouteWill, system, user, Params{})
	if err != nil {
		return parse.DecisionViolation, "", err
	}
	decision, reason := parse.Will(raw)
	return decision, reason, nil
}

// RunConscience invokes the conscience route and parses the ledger.
func (r *Router) RunConscience(ctx context.Context, system, user string) ([]parse.Evaluation, error) {
	raw, err := r.Invoke(ctx, RouteConscience, system, user, Params{})
	if err != nil {
		return nil, err
	}
	return parse.Conscience(raw), nil
}
