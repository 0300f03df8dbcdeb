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

// Package llms provides a uniform invoke surface over multiple LLM vendor
// backends, a provider registry, and the logical-route router that the four
// faculties call through.
package llms

import "context"

// Route is a logical call site in the pipeline. Each route binds to a
// (provider, model) pair with its own generation defaults and timeout.
type Route string

const (
	RouteIntellect   Route = "intellect"
	RouteWill        Route = "will"
	RouteConscience  Route = "conscience"
	RouteSummarizer  Route = "summarizer"
	RouteSuggestions Route = "suggestions"
)

// Request is one generation call. System and User are pre-assembled prompts;
// Model comes from the route binding.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider is a single vendor backend. Implementations must be safe for
// concurrent use; Close releases the underlying client.
type Provider interface {
	Invoke(ctx context.Context, req Request) (string, error)
	Name() string
	Close() error
}

// Params are caller overrides for a single invocation. Nil fields fall back
// to the route defaults.
type Params struct {
	Temperature *float64
	MaxTokens   int
}
