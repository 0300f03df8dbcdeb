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

package rag

import (
	"context"
	"fmt"
	"os"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemProvider retrieves context from a local chromem-go vector store.
type ChromemProvider struct {
	collection *chromem.Collection
	topK       int
}

// ChromemConfig configures the local vector store provider.
type ChromemConfig struct {
	// PersistPath persists the store on disk; empty means in-memory.
	PersistPath string
	Collection  string
	TopK        int
	// EmbeddingModel selects the OpenAI embedding model when Embedding is
	// nil; empty means the chromem default.
	EmbeddingModel string
	// Embedding computes document/query embeddings. Nil falls back to
	// OpenAI with EmbeddingModel (key from environment).
	Embedding chromem.EmbeddingFunc
}

// NewChromemProvider opens (or creates) the collection and returns a provider.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embedding := cfg.Embedding
	if embedding == nil {
		if cfg.EmbeddingModel != "" {
			embedding = chromem.NewEmbeddingFuncOpenAI(os.Getenv("OPENAI_API_KEY"), chromem.EmbeddingModelOpenAI(cfg.EmbeddingModel))
		} else {
			embedding = chromem.NewEmbeddingFuncDefault()
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.Collection, err)
	}

	return &ChromemProvider{collection: collection, topK: topK}, nil
}

// Add indexes documents into the collection. Index building is a CLI-side
// concern; the pipeline only reads.
func (p *ChromemProvider) Add(ctx context.Context, docs []chromem.Document) error {
	return p.collection.AddDocuments(ctx, docs, 2)
}

// GetContext retrieves the topK nearest chunks and renders them through the
// agent's format template. Failures degrade to an inline error marker.
func (p *ChromemProvider) GetContext(ctx context.Context, query, formatTemplate string) string {
	count := p.collection.Count()
	if count == 0 {
		return NoDocumentsFound
	}

	n := p.topK
	if n > count {
		n = count
	}

	results, err := p.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return ErrorContext(err)
	}
	if len(results) == 0 {
		return NoDocumentsFound
	}

	formatted := make([]string, len(results))
	for i, result := range results {
		source := result.Metadata["source"]
		formatted[i] = FormatChunk(formatTemplate, result.Content, source)
	}
	return strings.Join(formatted, "\n")
}
