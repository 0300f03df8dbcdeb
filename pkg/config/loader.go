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

package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/jnamaya/SAFi-sub000/pkg/config/provider"
)

// Loader loads and optionally watches configuration from a Provider.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked with the new snapshot when the
// underlying source changes.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a loader over the given provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, expands, decodes, defaults, and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return Parse(raw)
}

// Watch starts watching the provider for changes. On each change the new
// snapshot is parsed; invalid snapshots are logged and skipped so a bad edit
// never takes down a running service.
func (l *Loader) Watch(ctx context.Context) error {
	if l.onChange == nil {
		return nil
	}
	return l.provider.Watch(ctx, func(raw []byte) {
		cfg, err := Parse(raw)
		if err != nil {
			slog.Warn("Ignoring invalid config change", "error", err)
			return
		}
		l.onChange(cfg)
	})
}

// Close releases the provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// Parse decodes raw YAML bytes into a validated Config. Env references are
// expanded first; decoding goes through an intermediate map so unknown keys
// are reported instead of silently dropped.
func Parse(raw []byte) (*Config, error) {
	raw = ExpandEnv(raw)

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, fmt.Errorf("invalid config structure: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadFile is a convenience for one-shot loading from a local path.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return NewLoader(p).Load(ctx)
}
