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

// Package ethics defines the value-governed persona model: weighted ethical
// values with scoring rubrics, base personas, organizational governance
// policies, and the compiler that merges them into a runnable agent.
package ethics

import (
	"fmt"
	"math"
)

// WeightTolerance is the permitted deviation of an agent's total value weight
// from 1.0.
const WeightTolerance = 1e-6

// ScoreCriterion describes what earns a particular rubric score.
type ScoreCriterion struct {
	Score    float64 `json:"score" yaml:"score"`
	Criteria string  `json:"criteria" yaml:"criteria"`
}

// Rubric is the scoring guide the Conscience applies to one value.
type Rubric struct {
	Description  string           `json:"description" yaml:"description"`
	ScoringGuide []ScoreCriterion `json:"scoring_guide" yaml:"scoring_guide"`
}

// Value is a named ethical dimension with a relative weight and a rubric.
// Within a compiled agent, value names are unique after normalization and
// weights sum to 1.0 within WeightTolerance.
type Value struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
	Rubric Rubric  `json:"rubric" yaml:"rubric"`
}

// Persona is a base (uncompiled) agent definition.
type Persona struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description" yaml:"description"`
	Worldview     string   `json:"worldview" yaml:"worldview"`
	Style         string   `json:"style" yaml:"style"`
	Values        []Value  `json:"values" yaml:"values"`
	WillRules     []string `json:"will_rules" yaml:"will_rules"`
	RAGFormat     string   `json:"rag_format,omitempty" yaml:"rag_format,omitempty"`
	KnowledgeBase string   `json:"knowledge_base,omitempty" yaml:"knowledge_base,omitempty"`
}

// GovernancePolicy is an organization-level overlay. When applied, its
// worldview prefixes the persona's, its rules prepend the persona's, and its
// values consume a fixed portion of the total weight mass.
type GovernancePolicy struct {
	ID              string   `json:"id" yaml:"id"`
	GlobalWorldview string   `json:"global_worldview" yaml:"global_worldview"`
	GlobalWillRules []string `json:"global_will_rules" yaml:"global_will_rules"`
	GlobalValues    []Value  `json:"global_values" yaml:"global_values"`
}

// Agent is a compiled persona: the immutable configuration one orchestrator
// instance serves. The value order defines the canonical index for the spirit
// memory vector.
type Agent struct {
	Key           string   `json:"key"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Worldview     string   `json:"worldview"`
	Style         string   `json:"style"`
	Values        []Value  `json:"values"`
	WillRules     []string `json:"will_rules"`
	PolicyID      string   `json:"policy_id,omitempty"`
	RAGFormat     string   `json:"rag_format,omitempty"`
	KnowledgeBase string   `json:"knowledge_base,omitempty"`
}

// ValueNames returns the canonical (ordered) value names.
func (a *Agent) ValueNames() []string {
	names := make([]string, len(a.Values))
	for i, v := range a.Values {
		names[i] = v.Name
	}
	return names
}

// Weights returns the value weights in canonical order.
func (a *Agent) Weights() []float64 {
	weights := make([]float64, len(a.Values))
	for i, v := range a.Values {
		weights[i] = v.Weight
	}
	return weights
}

// CheckWeights verifies the total weight invariant.
func (a *Agent) CheckWeights() error {
	var sum float64
	for _, v := range a.Values {
		sum += v.Weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("agent %q value weights sum to %v, want 1.0", a.Name, sum)
	}
	return nil
}
