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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/config/provider"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/observability"
	"github.com/jnamaya/SAFi-sub000/pkg/orchestrator"
	"github.com/jnamaya/SAFi-sub000/pkg/rag"
	"github.com/jnamaya/SAFi-sub000/pkg/store"
)

// runtime bundles the wired service and everything it needs torn down.
type runtime struct {
	cfg     *config.Config
	service *orchestrator.Service
	store   store.Store
	closers []func() error
}

// buildRuntime loads configuration and wires the full orchestrator stack.
// When watch is true the config file is watched and any change invalidates
// the cached instances of every configured persona.
func buildRuntime(ctx context.Context, path string, watch bool) (*runtime, error) {
	config.LoadDotEnv()

	fp, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, err
	}

	rt := &runtime{}
	loader := config.NewLoader(fp, config.WithOnChange(func(next *config.Config) {
		if rt.service == nil {
			return
		}
		slog.Info("configuration changed, invalidating cached agents")
		for name := range next.Personas {
			rt.service.InvalidateAgent(name)
		}
	}))
	rt.closers = append(rt.closers, loader.Close)

	cfg, err := loader.Load(ctx)
	if err != nil {
		rt.teardown()
		return nil, err
	}
	rt.cfg = cfg

	st, err := openStore(cfg.Storage)
	if err != nil {
		rt.teardown()
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, st.Close)

	registry, err := llms.NewRegistryFromConfig(cfg.LLMs)
	if err != nil {
		rt.teardown()
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}
	rt.closers = append(rt.closers, registry.Close)

	router, err := llms.NewRouter(registry, cfg.Routes)
	if err != nil {
		rt.teardown()
		return nil, err
	}

	ragProvider, err := buildRAG(cfg.RAG)
	if err != nil {
		rt.teardown()
		return nil, err
	}

	rt.service = orchestrator.New(cfg, st, router, ragProvider, observability.New())
	rt.closers = append(rt.closers, rt.service.Close)

	if watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch error", "error", err)
			}
		}()
	}
	return rt, nil
}

// teardown closes wired components in reverse construction order.
func (rt *runtime) teardown() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
	}
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return st, nil
}

func buildRAG(cfg config.RAGConfig) (rag.Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	p, err := rag.NewChromemProvider(rag.ChromemConfig{
		PersistPath:    cfg.PersistPath,
		Collection:     cfg.Collection,
		TopK:           cfg.TopK,
		EmbeddingModel: cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	return p, nil
}
