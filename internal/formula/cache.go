// internal/formula/cache.go
package formula

import (
	"sync"
	"sync/atomic"
)

/*
 * Compilation cache.
 *
 * Maps exact formula text to a compiled program so each distinct text is
 * parsed once. Compile failures are returned and never stored. A routed
 * formula is stored under its full text and compiled from its unwrapped
 * body, so "x + 1" and "numeric(x + 1)" are separate entries.
 *
 * Eviction: when an insert pushes the cache above maxEntries, the entry with
 * the fewest hits among the pre-existing entries is removed; ties go to the
 * oldest insertion. The entry just inserted is never the victim.
 * maxEntries <= 0 means unbounded.
 */

// CompiledFormula is a cache entry: the program plus its hit counter.
type CompiledFormula struct {
	key     string
	text    string
	program *Program
	hits    atomic.Uint64
	seq     uint64
}

// Text returns the compiled text.
func (c *CompiledFormula) Text() string { return c.text }

// Program returns the compiled program.
func (c *CompiledFormula) Program() *Program { return c.program }

// Hits returns the number of cache hits served by this entry.
func (c *CompiledFormula) Hits() uint64 { return c.hits.Load() }

// Evaluate runs the program against ctx.
func (c *CompiledFormula) Evaluate(ctx *Context) (any, error) {
	return c.program.Run(ctx)
}

// CacheStats reports cache effectiveness. HitRate is a percentage.
type CacheStats struct {
	Entries    int
	Hits       uint64
	Misses     uint64
	HitRate    float64
	MaxEntries int
}

// CompilationCache caches compiled programs by exact text.
type CompilationCache struct {
	mu         sync.Mutex
	entries    map[string]*CompiledFormula
	funcs      FunctionTable
	maxEntries int
	seq        uint64
	hits       uint64
	misses     uint64
}

// NewCompilationCache creates a cache compiling against funcs.
// A nil table uses DefaultFunctions(nil).
func NewCompilationCache(maxEntries int, funcs FunctionTable) *CompilationCache {
	if funcs == nil {
		funcs = DefaultFunctions(nil)
	}
	return &CompilationCache{
		entries:    make(map[string]*CompiledFormula),
		funcs:      funcs,
		maxEntries: maxEntries,
	}
}

// GetCompiled returns the compiled formula for text, compiling on a miss.
func (c *CompilationCache) GetCompiled(text string) (*CompiledFormula, error) {
	return c.GetCompiledAs(text, text)
}

// GetCompiledAs returns the entry stored under key, compiling text on a
// miss.
func (c *CompilationCache) GetCompiledAs(key, text string) (*CompiledFormula, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.hits.Add(1)
		c.hits++
		return entry, nil
	}

	c.misses++
	program, err := Compile(text, c.funcs)
	if err != nil {
		return nil, err
	}

	c.seq++
	entry := &CompiledFormula{key: key, text: text, program: program, seq: c.seq}
	c.entries[key] = entry
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictLocked(key)
	}
	return entry, nil
}

// evictLocked removes the least-hit, then oldest, entry other than exempt.
func (c *CompilationCache) evictLocked(exempt string) {
	var victim *CompiledFormula
	for key, entry := range c.entries {
		if key == exempt {
			continue
		}
		if victim == nil {
			victim = entry
			continue
		}
		h, vh := entry.hits.Load(), victim.hits.Load()
		if h < vh || (h == vh && entry.seq < victim.seq) {
			victim = entry
		}
	}
	if victim != nil {
		delete(c.entries, victim.key)
	}
}

// Contains reports whether text is cached, without counting a hit.
func (c *CompilationCache) Contains(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[text]
	return ok
}

// Remove drops a single entry. Returns false when text was not cached.
func (c *CompilationCache) Remove(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[text]; !ok {
		return false
	}
	delete(c.entries, text)
	return true
}

// Clear drops all entries and resets counters.
func (c *CompilationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CompiledFormula)
	c.hits, c.misses = 0, 0
}

// Stats returns a snapshot of cache counters.
func (c *CompilationCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate(c.hits, c.misses),
		MaxEntries: c.maxEntries,
	}
}

// Functions returns the table programs are compiled against.
func (c *CompilationCache) Functions() FunctionTable { return c.funcs }

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
