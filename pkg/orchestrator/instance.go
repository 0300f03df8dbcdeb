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

// Package orchestrator drives governed turns: it resolves cached agent
// instances, runs the synchronous Intellect/Will portion with one reflexion
// retry, and defers Conscience, Spirit, and suggestions to a bounded
// background audit pool polled by message id.
package orchestrator

import (
	"sync"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/faculty"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/rag"
)

// Instance is one compiled agent plus its wired faculties. Instances are
// constructed only by the cache and shared by concurrent turns; everything
// except the mu history is immutable after construction.
type Instance struct {
	Agent      *ethics.Agent
	Router     *llms.Router
	Intellect  *faculty.Intellect
	Will       *faculty.Will
	Conscience *faculty.Conscience

	Beta        float64
	TrendWindow int
	OrgID       string

	// Recent mu snapshots for trend tags, in-process only. Losing this on
	// eviction or restart costs trend tags, never correctness.
	histMu    sync.Mutex
	muHistory [][]float64
}

func newInstance(agent *ethics.Agent, router *llms.Router, provider rag.Provider, beta float64, trendWindow int, orgID string) *Instance {
	if agent.KnowledgeBase == "" {
		provider = rag.Disabled{}
	}
	return &Instance{
		Agent:       agent,
		Router:      router,
		Intellect:   faculty.NewIntellect(agent, router, provider),
		Will:        faculty.NewWill(agent, router),
		Conscience:  faculty.NewConscience(agent, router),
		Beta:        beta,
		TrendWindow: trendWindow,
		OrgID:       orgID,
	}
}

// recordMu appends a mu snapshot, keeping at most TrendWindow samples.
func (in *Instance) recordMu(mu []float64) {
	if in.TrendWindow <= 0 {
		return
	}
	snapshot := append([]float64(nil), mu...)

	in.histMu.Lock()
	defer in.histMu.Unlock()
	in.muHistory = append(in.muHistory, snapshot)
	if len(in.muHistory) > in.TrendWindow {
		in.muHistory = in.muHistory[len(in.muHistory)-in.TrendWindow:]
	}
}

// muSnapshots returns a copy of the retained history, oldest first.
func (in *Instance) muSnapshots() [][]float64 {
	in.histMu.Lock()
	defer in.histMu.Unlock()
	out := make([][]float64, len(in.muHistory))
	copy(out, in.muHistory)
	return out
}
