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
	"fmt"
	"sync"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
)

// Registry manages named provider instances. Providers are created once from
// config and shared by every route that references them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider instance under a name.
func (r *Registry) Register(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// CreateFromConfig constructs and registers a provider from configuration.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	var provider Provider
	var err error
	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProviderFromConfig(cfg)
	case "anthropic":
		provider, err = NewAnthropicProviderFromConfig(cfg)
	case "ollama":
		provider, err = NewOllamaProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return provider, nil
}

// Close closes all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %q: %w", name, err)
		}
	}
	r.providers = make(map[string]Provider)
	return firstErr
}

// NewRegistryFromConfig builds a registry with every configured provider.
func NewRegistryFromConfig(llms map[string]config.LLMProviderConfig) (*Registry, error) {
	registry := NewRegistry()
	for name := range llms {
		cfg := llms[name]
		if _, err := registry.CreateFromConfig(name, &cfg); err != nil {
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}
