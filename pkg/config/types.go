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

// Package config provides configuration types and loading for SAFi.
// Every config struct follows the same contract: SetDefaults fills zero
// fields, Validate rejects unusable combinations.
package config

import (
	"fmt"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
)

// Config is the root configuration.
type Config struct {
	Logging      LoggingConfig                        `yaml:"logging,omitempty"`
	Storage      StorageConfig                        `yaml:"storage,omitempty"`
	LLMs         map[string]LLMProviderConfig         `yaml:"llms"`
	Routes       map[string]RouteConfig               `yaml:"routes"`
	Personas     map[string]ethics.Persona            `yaml:"personas"`
	Policies     map[string]ethics.GovernancePolicy   `yaml:"policies,omitempty"`
	Org          OrgConfig                            `yaml:"org,omitempty"`
	Orchestrator OrchestratorConfig                   `yaml:"orchestrator,omitempty"`
	RAG          RAGConfig                            `yaml:"rag,omitempty"`
}

// SetDefaults implements the config contract for the root config.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Storage.SetDefaults()
	for name := range c.LLMs {
		llm := c.LLMs[name]
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	for name := range c.Routes {
		route := c.Routes[name]
		route.SetDefaults(name)
		c.Routes[name] = route
	}
	c.Org.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.RAG.SetDefaults()
}

// Validate implements the config contract for the root config.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm provider %q: %w", name, err)
		}
	}
	for name, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return fmt.Errorf("route %q: %w", name, err)
		}
		if _, ok := c.LLMs[route.Provider]; !ok {
			return fmt.Errorf("route %q references unknown provider %q", name, route.Provider)
		}
	}
	for _, required := range []string{"intellect", "will", "conscience"} {
		if _, ok := c.Routes[required]; !ok {
			return fmt.Errorf("route %q is required", required)
		}
	}
	if len(c.Personas) == 0 {
		return fmt.Errorf("at least one persona is required")
	}
	if err := c.Org.Validate(); err != nil {
		return fmt.Errorf("org: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if c.Orchestrator.DefaultAgent != "" {
		if _, ok := c.Personas[c.Orchestrator.DefaultAgent]; !ok {
			return fmt.Errorf("default agent %q is not a configured persona", c.Orchestrator.DefaultAgent)
		}
	}
	return nil
}

// LoggingConfig controls slog initialization.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "simple" or "verbose"
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres", "mysql", "memory"
	DSN    string `yaml:"dsn"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = "safi.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql, memory)", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %s", c.Driver)
	}
	return nil
}

// LLMProviderConfig configures one vendor backend.
type LLMProviderConfig struct {
	Type       string `yaml:"type"` // "openai", "anthropic", "ollama"
	APIKey     string `yaml:"api_key,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Timeout    int    `yaml:"timeout,omitempty"` // seconds, transport-level
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.BaseURL == "" {
		switch c.Type {
		case "openai":
			c.BaseURL = "https://api.openai.com/v1"
		case "anthropic":
			c.BaseURL = "https://api.anthropic.com"
		case "ollama":
			c.BaseURL = "http://localhost:11434"
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for %s", c.Type)
		}
	case "ollama":
	default:
		return fmt.Errorf("unsupported type: %s (supported: openai, anthropic, ollama)", c.Type)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// RouteConfig binds a logical route to a (provider, model) pair with
// generation defaults and a per-route timeout.
type RouteConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Timeout     int      `yaml:"timeout,omitempty"` // seconds
}

// routeTimeoutDefaults are the per-route invocation deadlines in seconds.
var routeTimeoutDefaults = map[string]int{
	"intellect":   60,
	"will":        20,
	"conscience":  60,
	"summarizer":  10,
	"suggestions": 10,
}

func (c *RouteConfig) SetDefaults(name string) {
	if c.Timeout == 0 {
		if d, ok := routeTimeoutDefaults[name]; ok {
			c.Timeout = d
		} else {
			c.Timeout = 60
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
}

func (c *RouteConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0,2]", *c.Temperature)
	}
	return nil
}

// OrgConfig carries organization-level governance settings.
type OrgConfig struct {
	ID               string   `yaml:"id,omitempty"`
	GovernanceWeight *float64 `yaml:"governance_weight,omitempty"` // mass given to policy values
	SpiritBeta       *float64 `yaml:"spirit_beta,omitempty"`       // EMA smoothing factor
	DefaultPolicy    string   `yaml:"default_policy,omitempty"`
}

func (c *OrgConfig) SetDefaults() {
	if c.GovernanceWeight == nil {
		w := ethics.DefaultGovernanceWeight
		c.GovernanceWeight = &w
	}
	if c.SpiritBeta == nil {
		b := 0.9
		c.SpiritBeta = &b
	}
}

func (c *OrgConfig) Validate() error {
	if w := *c.GovernanceWeight; w < 0 || w > 1 {
		return fmt.Errorf("governance_weight %v out of range [0,1]", w)
	}
	if b := *c.SpiritBeta; b <= 0 || b >= 1 {
		return fmt.Errorf("spirit_beta %v out of range (0,1)", b)
	}
	return nil
}

// OrchestratorConfig tunes the turn driver and its background machinery.
type OrchestratorConfig struct {
	DefaultAgent            string `yaml:"default_agent,omitempty"`
	InstanceCacheTTL        int    `yaml:"instance_cache_ttl,omitempty"` // seconds
	DailyPromptLimit        int    `yaml:"daily_prompt_limit,omitempty"` // 0 disables
	EnableProfileExtraction bool   `yaml:"enable_profile_extraction,omitempty"`
	AuditQueueSize          int    `yaml:"audit_queue_size,omitempty"`
	AuditWorkers            int    `yaml:"audit_workers,omitempty"`
	AuditLogDir             string `yaml:"audit_log_dir,omitempty"`
	TrendWindow             int    `yaml:"trend_window,omitempty"` // mu samples needed for trend tags
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.InstanceCacheTTL == 0 {
		c.InstanceCacheTTL = 600
	}
	if c.AuditQueueSize == 0 {
		c.AuditQueueSize = 64
	}
	if c.AuditWorkers == 0 {
		c.AuditWorkers = 4
	}
	if c.AuditLogDir == "" {
		c.AuditLogDir = "audit-logs"
	}
	if c.TrendWindow == 0 {
		c.TrendWindow = 5
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.InstanceCacheTTL < 0 {
		return fmt.Errorf("instance_cache_ttl must be >= 0")
	}
	if c.DailyPromptLimit < 0 {
		return fmt.Errorf("daily_prompt_limit must be >= 0")
	}
	if c.AuditQueueSize < 1 || c.AuditWorkers < 1 {
		return fmt.Errorf("audit queue and workers must be >= 1")
	}
	return nil
}

// RAGConfig configures the optional local retrieval provider.
type RAGConfig struct {
	Enabled        bool   `yaml:"enabled,omitempty"`
	PersistPath    string `yaml:"persist_path,omitempty"`
	Collection     string `yaml:"collection,omitempty"`
	TopK           int    `yaml:"top_k,omitempty"`
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
}

func (c *RAGConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
	if c.TopK == 0 {
		c.TopK = 4
	}
}
