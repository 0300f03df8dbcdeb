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

package ethics

import (
	"fmt"
	"math"
)

// DefaultGovernanceWeight is the weight mass governance values consume when an
// organization does not configure its own.
const DefaultGovernanceWeight = 0.40

// Compile merges a base persona with an optional governance policy into a
// final agent. Compilation is pure and deterministic.
//
// With a policy applied, the policy worldview prefixes the persona worldview,
// policy rules prepend persona rules, and persona value weights are scaled so
// that policy values consume governanceWeight of the total mass.
func Compile(base Persona, policy *GovernancePolicy, governanceWeight float64) (*Agent, error) {
	if base.Name == "" {
		return nil, fmt.Errorf("persona name is required")
	}
	if len(base.Values) == 0 {
		return nil, fmt.Errorf("persona %q has no values", base.Name)
	}
	if governanceWeight < 0 || governanceWeight > 1 {
		return nil, fmt.Errorf("governance weight %v out of range [0,1]", governanceWeight)
	}

	baseSum := weightSum(base.Values)
	if math.Abs(baseSum-1.0) > WeightTolerance {
		return nil, fmt.Errorf("persona %q value weights sum to %v, want 1.0", base.Name, baseSum)
	}

	agent := &Agent{
		Key:           NormalizeName(base.Name),
		Name:          base.Name,
		Description:   base.Description,
		Worldview:     base.Worldview,
		Style:         base.Style,
		RAGFormat:     base.RAGFormat,
		KnowledgeBase: base.KnowledgeBase,
	}

	if policy == nil || len(policy.GlobalValues) == 0 {
		agent.Values = append([]Value(nil), base.Values...)
		agent.WillRules = append([]string(nil), base.WillRules...)
		if policy != nil {
			// A policy with rules or worldview but no values still overlays.
			agent.PolicyID = policy.ID
			agent.Worldview = joinWorldviews(policy.GlobalWorldview, base.Worldview)
			agent.WillRules = append(append([]string(nil), policy.GlobalWillRules...), base.WillRules...)
		}
		if err := checkUniqueNames(agent); err != nil {
			return nil, err
		}
		return agent, nil
	}

	govSum := weightSum(policy.GlobalValues)
	if govSum <= 0 {
		return nil, fmt.Errorf("policy %q governance values carry no weight", policy.ID)
	}

	// Governance values are rescaled to exactly governanceWeight; persona
	// values share the remainder in their original proportions.
	values := make([]Value, 0, len(policy.GlobalValues)+len(base.Values))
	for _, v := range policy.GlobalValues {
		v.Weight = v.Weight / govSum * governanceWeight
		values = append(values, v)
	}
	for _, v := range base.Values {
		v.Weight = v.Weight / baseSum * (1 - governanceWeight)
		values = append(values, v)
	}

	agent.PolicyID = policy.ID
	agent.Worldview = joinWorldviews(policy.GlobalWorldview, base.Worldview)
	agent.WillRules = append(append([]string(nil), policy.GlobalWillRules...), base.WillRules...)
	agent.Values = values

	if err := checkUniqueNames(agent); err != nil {
		return nil, err
	}
	if err := agent.CheckWeights(); err != nil {
		return nil, err
	}
	return agent, nil
}

func weightSum(values []Value) float64 {
	var sum float64
	for _, v := range values {
		sum += v.Weight
	}
	return sum
}

func joinWorldviews(governance, base string) string {
	if governance == "" {
		return base
	}
	if base == "" {
		return governance
	}
	return governance + "\n\n" + base
}

// checkUniqueNames rejects agents whose values collide after normalization;
// a duplicate would make ledger alignment ambiguous.
func checkUniqueNames(agent *Agent) error {
	seen := make(map[string]string, len(agent.Values))
	for _, v := range agent.Values {
		key := NormalizeName(v.Name)
		if key == "" {
			return fmt.Errorf("agent %q has a value with an empty name", agent.Name)
		}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("agent %q values %q and %q collide after normalization", agent.Name, prev, v.Name)
		}
		seen[key] = v.Name
	}
	return nil
}
