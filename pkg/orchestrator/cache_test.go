package orchestrator

import (
	"strings"
	"testing"
	"time"
)

func TestCacheKey(t *testing.T) {
	base := CacheKey("fiduciary", "m1", "m2", "m3", "pol-1", "orghash")

	if got := CacheKey("fiduciary", "m1", "m2", "m3", "pol-1", "orghash"); got != base {
		t.Error("identical inputs must produce identical keys")
	}
	if !strings.HasPrefix(base, "fiduciary|") {
		t.Errorf("key %q should carry the normalized agent prefix", base)
	}
	// Selector spellings that normalize alike share a prefix but not a key
	// when configuration differs.
	spaced := CacheKey("  Fiduciary ", "m1", "m2", "m3", "pol-1", "orghash")
	if spaced != base {
		t.Error("normalization should collapse agent key spellings")
	}
	if got := CacheKey("fiduciary", "other-model", "m2", "m3", "pol-1", "orghash"); got == base {
		t.Error("model change must produce a new key")
	}
	if got := CacheKey("fiduciary", "m1", "m2", "m3", "pol-2", "orghash"); got == base {
		t.Error("policy change must produce a new key")
	}
	// The hash input is delimited; shifting a boundary is not a collision.
	if CacheKey("a", "xy", "z", "", "", "") == CacheKey("a", "x", "yz", "", "", "") {
		t.Error("adjacent parts must not collide")
	}
}

func TestInstanceCache_HitAndExpiry(t *testing.T) {
	c := NewInstanceCache(time.Minute)
	clock := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	builds := 0
	build := func() (*Instance, error) {
		builds++
		return &Instance{}, nil
	}

	first, err := c.GetOrCreate("k", build)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := c.GetOrCreate("k", build)
	if first != second {
		t.Error("cache hit must return the identical instance")
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}

	// A hit refreshes the TTL.
	clock = clock.Add(50 * time.Second)
	if got, _ := c.GetOrCreate("k", build); got != first {
		t.Error("refreshed entry evicted too early")
	}
	clock = clock.Add(50 * time.Second)
	if got, _ := c.GetOrCreate("k", build); got != first {
		t.Error("entry should still be live after refresh")
	}

	// Past the TTL the entry is rebuilt.
	clock = clock.Add(2 * time.Minute)
	rebuilt, _ := c.GetOrCreate("k", build)
	if rebuilt == first {
		t.Error("expired entry must be rebuilt")
	}
	if builds != 2 {
		t.Errorf("builds = %d, want 2", builds)
	}
}

func TestInstanceCache_Invalidate(t *testing.T) {
	c := NewInstanceCache(time.Minute)
	build := func() (*Instance, error) { return &Instance{}, nil }

	keyA1 := CacheKey("advisor", "m1", "m2", "m3", "", "h")
	keyA2 := CacheKey("advisor", "other", "m2", "m3", "", "h")
	keyB := CacheKey("researcher", "m1", "m2", "m3", "", "h")
	for _, k := range []string{keyA1, keyA2, keyB} {
		if _, err := c.GetOrCreate(k, build); err != nil {
			t.Fatal(err)
		}
	}

	if dropped := c.Invalidate("Advisor"); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if dropped := c.Invalidate("advisor"); dropped != 0 {
		t.Errorf("second invalidation dropped %d, want 0", dropped)
	}
}

func TestService_InstanceReuseAndInvalidation(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	first, err := svc.resolveInstance(AgentSelector{})
	if err != nil {
		t.Fatal(err)
	}
	again, err := svc.resolveInstance(AgentSelector{AgentKey: "fiduciary"})
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("same selector must reuse the cached instance")
	}

	// A model override compiles a distinct instance under the same agent.
	overridden, err := svc.resolveInstance(AgentSelector{IntellectModel: "bigger-model"})
	if err != nil {
		t.Fatal(err)
	}
	if overridden == first {
		t.Error("model override must not share the default instance")
	}
	if svc.cache.Len() != 2 {
		t.Errorf("cache len = %d, want 2", svc.cache.Len())
	}

	svc.InvalidateAgent("fiduciary")
	if svc.cache.Len() != 0 {
		t.Errorf("cache len after invalidation = %d, want 0", svc.cache.Len())
	}
	fresh, err := svc.resolveInstance(AgentSelector{})
	if err != nil {
		t.Fatal(err)
	}
	if fresh == first {
		t.Error("invalidation must force a fresh compilation")
	}
}
