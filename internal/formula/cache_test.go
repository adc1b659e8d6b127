package formula

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/synthkeeper/internal/types"
)

func TestCompilationCache_HitsAndMisses(t *testing.T) {
	c := NewCompilationCache(0, nil)

	first, err := c.GetCompiled("a + 1")
	if err != nil {
		t.Fatalf("GetCompiled() error = %v, want nil", err)
	}
	second, err := c.GetCompiled("a + 1")
	if err != nil {
		t.Fatalf("GetCompiled() error = %v, want nil", err)
	}
	if first != second {
		t.Errorf("GetCompiled() returned distinct entries for identical text")
	}
	if first.Hits() != 1 {
		t.Errorf("Hits() = %d, want 1", first.Hits())
	}

	stats := c.Stats()
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 entry, 1 hit, 1 miss", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("HitRate = %v, want 50", stats.HitRate)
	}
}

func TestCompilationCache_KeyedSeparatelyFromCompiledText(t *testing.T) {
	c := NewCompilationCache(0, nil)

	plain, err := c.GetCompiled("x + 1")
	if err != nil {
		t.Fatalf("GetCompiled() error = %v, want nil", err)
	}
	wrapped, err := c.GetCompiledAs("numeric(x + 1)", "x + 1")
	if err != nil {
		t.Fatalf("GetCompiledAs() error = %v, want nil", err)
	}
	if plain == wrapped {
		t.Errorf("GetCompiledAs() shared the entry of the unwrapped text")
	}
	if wrapped.Text() != "x + 1" {
		t.Errorf("Text() = %q, want x + 1", wrapped.Text())
	}
	if stats := c.Stats(); stats.Entries != 2 || stats.Hits != 0 || stats.Misses != 2 {
		t.Errorf("Stats() = %+v, want 2 entries, 0 hits, 2 misses", stats)
	}

	if !c.Remove("numeric(x + 1)") || !c.Contains("x + 1") {
		t.Errorf("Remove() of the wrapped key touched the unwrapped entry")
	}
}

func TestCompilationCache_ErrorsNotCached(t *testing.T) {
	c := NewCompilationCache(0, nil)
	for i := 0; i < 2; i++ {
		_, err := c.GetCompiled("a +")
		if !errors.Is(err, types.ErrCompile) {
			t.Fatalf("GetCompiled() error = %v, want ErrCompile", err)
		}
	}
	if c.Contains("a +") {
		t.Errorf("Contains() = true, want failed compile not cached")
	}
	if c.Stats().Misses != 2 {
		t.Errorf("Misses = %d, want 2", c.Stats().Misses)
	}
}

func TestCompilationCache_EvictsLeastHit(t *testing.T) {
	c := NewCompilationCache(3, nil)
	for _, text := range []string{"a", "b", "c"} {
		if _, err := c.GetCompiled(text); err != nil {
			t.Fatalf("GetCompiled(%q) error = %v", text, err)
		}
	}
	c.GetCompiled("a")
	c.GetCompiled("a")
	c.GetCompiled("b")

	if _, err := c.GetCompiled("d"); err != nil {
		t.Fatalf("GetCompiled(d) error = %v", err)
	}
	if c.Contains("c") {
		t.Errorf("Contains(c) = true, want c evicted (fewest hits)")
	}
	for _, text := range []string{"a", "b", "d"} {
		if !c.Contains(text) {
			t.Errorf("Contains(%q) = false, want true", text)
		}
	}
}

func TestCompilationCache_EvictionTieGoesToOldest(t *testing.T) {
	c := NewCompilationCache(2, nil)
	c.GetCompiled("a")
	c.GetCompiled("b")
	c.GetCompiled("c")
	if c.Contains("a") {
		t.Errorf("Contains(a) = true, want oldest evicted on tie")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Errorf("want b and c retained")
	}
}

func TestCompilationCache_ClearAndRemove(t *testing.T) {
	c := NewCompilationCache(0, nil)
	c.GetCompiled("a")
	c.GetCompiled("b")
	if !c.Remove("a") {
		t.Errorf("Remove(a) = false, want true")
	}
	if c.Remove("a") {
		t.Errorf("Remove(a) twice = true, want false")
	}
	c.Clear()
	if stats := c.Stats(); stats.Entries != 0 || stats.Misses != 0 {
		t.Errorf("Stats() after Clear = %+v, want zeroed", stats)
	}
}

func TestCompilationCache_Concurrent(t *testing.T) {
	c := NewCompilationCache(8, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				text := fmt.Sprintf("x + %d", (g*i)%16)
				if _, err := c.GetCompiled(text); err != nil {
					t.Errorf("GetCompiled(%q) error = %v", text, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Stats().Entries > 8 {
		t.Errorf("Entries = %d, want <= 8", c.Stats().Entries)
	}
}

// Property-based test: bounded cache evicts exactly the least-hit, oldest entry
func TestCompilationCache_PropertyEviction(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("inserting N+1 formulas leaves N entries", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			c := NewCompilationCache(n, nil)

			hits := make([]int, n)
			for i := 0; i < n; i++ {
				if _, err := c.GetCompiled(fmt.Sprintf("x + %d", i)); err != nil {
					return false
				}
			}
			for i := 0; i < n; i++ {
				hits[i] = rng.Intn(4)
				for h := 0; h < hits[i]; h++ {
					c.GetCompiled(fmt.Sprintf("x + %d", i))
				}
			}

			victim := 0
			for i := 1; i < n; i++ {
				if hits[i] < hits[victim] {
					victim = i
				}
			}

			if _, err := c.GetCompiled(fmt.Sprintf("x + %d", n)); err != nil {
				return false
			}
			if c.Stats().Entries != n {
				return false
			}
			if c.Contains(fmt.Sprintf("x + %d", victim)) {
				return false
			}
			return c.Contains(fmt.Sprintf("x + %d", n))
		},
		gen.IntRange(1, 20),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
