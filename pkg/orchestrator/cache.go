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

package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
)

// cacheKeySep separates the parsable normalized-agent prefix from the
// configuration hash, enabling prefix invalidation.
const cacheKeySep = "|"

// CacheKey builds the composite instance key: the normalized agent key, the
// separator, then a hash of everything else that distinguishes one compiled
// instance from another.
func CacheKey(agentKey, intellectModel, willModel, conscienceModel, policyID, orgSettingsHash string) string {
	h := sha256.New()
	for _, part := range []string{intellectModel, willModel, conscienceModel, policyID, orgSettingsHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return ethics.NormalizeName(agentKey) + cacheKeySep + hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	instance  *Instance
	expiresAt time.Time
}

// InstanceCache is a TTL map from composite key to instance. Eviction is
// lazy: expired entries are collected during lookups, never by a background
// sweeper. Callers holding an instance reference keep using it after
// eviction or invalidation; only the cache forgets it.
type InstanceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewInstanceCache creates a cache whose entries idle out after ttl.
func NewInstanceCache(ttl time.Duration) *InstanceCache {
	return &InstanceCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// GetOrCreate returns the live instance for key, constructing and inserting
// via build on a miss. Lookup, expired-entry eviction, and insertion happen
// under one critical section; build must not perform provider calls.
func (c *InstanceCache) GetOrCreate(key string, build func() (*Instance, error)) (*Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}

	if e, ok := c.entries[key]; ok {
		e.expiresAt = now.Add(c.ttl)
		return e.instance, nil
	}

	instance, err := build()
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{instance: instance, expiresAt: now.Add(c.ttl)}
	return instance, nil
}

// Invalidate removes every entry whose normalized agent prefix matches.
// Returns the number of entries dropped. Idempotent.
func (c *InstanceCache) Invalidate(agentKey string) int {
	prefix := ethics.NormalizeName(agentKey) + cacheKeySep

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of cached entries, expired or not.
func (c *InstanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
