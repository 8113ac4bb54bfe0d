// Package cache implements the two-tier pattern cache: a bounded hot
// tier of full confirmed patterns and a bounded pool of atomic phoneme
// fingerprints plus a reference index.
//
// Patterns evicted from the hot tier remain reconstructable from their
// phoneme references, which is the compaction mechanism that bounds
// cache memory. Reconstruction failure (a missing phoneme) degrades to
// a cache miss, never an error.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Config holds cache sizing parameters.
type Config struct {
	// MaxHotPatterns bounds the hot tier.
	MaxHotPatterns int `koanf:"max_hot_patterns"`

	// MaxPhonemes bounds the phoneme pool.
	MaxPhonemes int `koanf:"max_phonemes"`

	// ReferenceOverheadBytes is the fixed identifier size used when
	// computing per-phoneme compression ratios.
	ReferenceOverheadBytes int `koanf:"reference_overhead_bytes"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxHotPatterns:         100,
		MaxPhonemes:            500,
		ReferenceOverheadBytes: 8,
	}
}

// Phoneme is an atomic quantized signal fingerprint shared across
// patterns.
type Phoneme struct {
	// ID is the deterministic fingerprint, see signal.PhonemeID.
	ID string `json:"id"`

	// Signal is the stored signal value.
	Signal signal.Signal `json:"signal"`

	// Frequency counts how many pattern decompositions reused this
	// phoneme.
	Frequency int `json:"frequency"`

	// LastUsed drives LRU eviction of the pool.
	LastUsed time.Time `json:"last_used"`

	// CompressionRatio is reference size over serialized signal size.
	CompressionRatio float64 `json:"compression_ratio"`
}

// PatternRef lets a pattern be rebuilt from phonemes alone.
type PatternRef struct {
	PatternID     string    `json:"pattern_id"`
	PhonemeIDs    []string  `json:"phoneme_ids"`
	DialectID     string    `json:"dialect_id,omitempty"`
	Effectiveness float64   `json:"effectiveness"`
	UseCount      int       `json:"use_count"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Stats is the cache's observable state.
type Stats struct {
	HotPatterns    int     `json:"hot_patterns"`
	Phonemes       int     `json:"phonemes"`
	HitRate        float64 `json:"hit_rate"`
	MissRate       float64 `json:"miss_rate"`
	Evictions      uint64  `json:"evictions"`
	AvgCompression float64 `json:"avg_compression"`
	PatternRefs    int     `json:"pattern_refs"`
}

type hotEntry struct {
	pattern      *signal.Pattern
	lastAccessed time.Time
}

// Cache is the two-tier pattern store. Safe for concurrent use; one
// lock guards both tiers since every operation touches both.
type Cache struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	hot        map[string]*hotEntry
	phonemes   map[string]*Phoneme
	refs       map[string]*PatternRef
	signatures map[string]string // signal signature -> pattern ID

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:        cfg,
		now:        time.Now,
		hot:        make(map[string]*hotEntry),
		phonemes:   make(map[string]*Phoneme),
		refs:       make(map[string]*PatternRef),
		signatures: make(map[string]string),
	}
}

// GetPattern returns the pattern by ID. A hot hit refreshes access
// history; on a hot miss the pattern is reconstructed from its phoneme
// reference and promoted back into the hot tier, evicting the least
// recently accessed entry if the tier is full. A missing reference or
// phoneme records a miss.
func (c *Cache) GetPattern(id string) (*signal.Pattern, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.hot[id]; ok {
		entry.lastAccessed = now
		c.recordHit(id, now)
		return entry.pattern.Clone(), true
	}

	ref, ok := c.refs[id]
	if !ok {
		c.recordMiss()
		return nil, false
	}

	signals := make([]signal.Signal, 0, len(ref.PhonemeIDs))
	for _, pid := range ref.PhonemeIDs {
		ph, ok := c.phonemes[pid]
		if !ok {
			c.recordMiss()
			return nil, false
		}
		ph.LastUsed = now
		signals = append(signals, ph.Signal.Clone())
	}

	pattern := &signal.Pattern{
		ID:            id,
		Signals:       signals,
		Effectiveness: ref.Effectiveness,
	}
	c.promote(pattern, now)
	c.recordHit(id, now)
	return pattern.Clone(), true
}

// GetBySignature resolves a message signature to a cached pattern.
func (c *Cache) GetBySignature(sig string) (*signal.Pattern, bool) {
	c.mu.Lock()
	id, ok := c.signatures[sig]
	if !ok {
		c.recordMiss()
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()
	return c.GetPattern(id)
}

// SetPattern decomposes the pattern into phonemes, deduplicating
// against the pool by deterministic ID, writes the pattern reference,
// and adds the pattern to the hot tier if room remains. Insertion never
// forces a hot-tier eviction; only lookup promotion does.
func (c *Cache) SetPattern(p *signal.Pattern, dialectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	phonemeIDs := make([]string, len(p.Signals))
	for i, s := range p.Signals {
		phonemeIDs[i] = c.internPhoneme(s, now)
	}

	c.refs[p.ID] = &PatternRef{
		PatternID:     p.ID,
		PhonemeIDs:    phonemeIDs,
		DialectID:     dialectID,
		Effectiveness: p.Effectiveness,
		LastAccessed:  now,
	}
	c.signatures[signal.Signature(p.Signals)] = p.ID

	if len(c.hot) < c.cfg.MaxHotPatterns {
		c.hot[p.ID] = &hotEntry{pattern: p.Clone(), lastAccessed: now}
	}
	c.updateSizeMetrics()
}

// internPhoneme stores or reuses the phoneme for a signal, evicting
// the least recently used phoneme when the pool is full.
func (c *Cache) internPhoneme(s signal.Signal, now time.Time) string {
	id := signal.PhonemeID(s)
	if ph, ok := c.phonemes[id]; ok {
		ph.Frequency++
		ph.LastUsed = now
		return id
	}

	if len(c.phonemes) >= c.cfg.MaxPhonemes {
		c.evictLRUPhoneme()
	}

	c.phonemes[id] = &Phoneme{
		ID:               id,
		Signal:           s.Clone(),
		Frequency:        1,
		LastUsed:         now,
		CompressionRatio: compressionRatio(c.cfg.ReferenceOverheadBytes, s),
	}
	return id
}

// compressionRatio is the fixed reference size over the serialized
// size of the original signal.
func compressionRatio(refBytes int, s signal.Signal) float64 {
	raw, err := json.Marshal(s)
	if err != nil || len(raw) == 0 {
		return 1
	}
	return float64(refBytes) / float64(len(raw))
}

// promote inserts a reconstructed pattern into the hot tier, evicting
// the least recently accessed entry if needed. Caller holds c.mu.
func (c *Cache) promote(p *signal.Pattern, now time.Time) {
	if len(c.hot) >= c.cfg.MaxHotPatterns {
		c.evictLRUHot()
	}
	c.hot[p.ID] = &hotEntry{pattern: p.Clone(), lastAccessed: now}
	c.updateSizeMetrics()
}

func (c *Cache) evictLRUHot() {
	var lruID string
	var lruTime time.Time
	for id, entry := range c.hot {
		if lruID == "" || entry.lastAccessed.Before(lruTime) {
			lruID = id
			lruTime = entry.lastAccessed
		}
	}
	if lruID != "" {
		delete(c.hot, lruID)
		c.evictions++
		metricEvictions.WithLabelValues("hot").Inc()
	}
}

func (c *Cache) evictLRUPhoneme() {
	var lruID string
	var lruTime time.Time
	for id, ph := range c.phonemes {
		if lruID == "" || ph.LastUsed.Before(lruTime) {
			lruID = id
			lruTime = ph.LastUsed
		}
	}
	if lruID != "" {
		delete(c.phonemes, lruID)
		c.evictions++
		metricEvictions.WithLabelValues("phoneme").Inc()
	}
}

// recordHit updates hit accounting and the pattern reference's access
// history. Caller holds c.mu.
func (c *Cache) recordHit(id string, now time.Time) {
	c.hits++
	metricHits.Inc()
	if ref, ok := c.refs[id]; ok {
		ref.UseCount++
		ref.LastAccessed = now
	}
}

func (c *Cache) recordMiss() {
	c.misses++
	metricMisses.Inc()
}

// UpdateEffectiveness refreshes the stored effectiveness for a pattern
// in both tiers. Applied on effectiveness trend notifications.
func (c *Cache) UpdateEffectiveness(id string, score float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	if entry, ok := c.hot[id]; ok {
		entry.pattern.Effectiveness = score
		found = true
	}
	if ref, ok := c.refs[id]; ok {
		ref.Effectiveness = score
		found = true
	}
	return found
}

// PhonemesFor returns copies of the phonemes backing a pattern's
// reference, in sequence order. Missing phonemes are skipped.
func (c *Cache) PhonemesFor(id string) []Phoneme {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.refs[id]
	if !ok {
		return nil
	}
	out := make([]Phoneme, 0, len(ref.PhonemeIDs))
	for _, pid := range ref.PhonemeIDs {
		if ph, ok := c.phonemes[pid]; ok {
			copied := *ph
			copied.Signal = ph.Signal.Clone()
			out = append(out, copied)
		}
	}
	return out
}

// Compact clears the hot tier, leaving patterns reconstructable from
// the phoneme tier alone.
func (c *Cache) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot = make(map[string]*hotEntry)
	c.updateSizeMetrics()
}

// Stats returns a snapshot of cache accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate, missRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
		missRate = float64(c.misses) / float64(total)
	}

	var comprSum float64
	for _, ph := range c.phonemes {
		comprSum += ph.CompressionRatio
	}
	var avgCompr float64
	if len(c.phonemes) > 0 {
		avgCompr = comprSum / float64(len(c.phonemes))
	}

	return Stats{
		HotPatterns:    len(c.hot),
		Phonemes:       len(c.phonemes),
		HitRate:        hitRate,
		MissRate:       missRate,
		Evictions:      c.evictions,
		AvgCompression: avgCompr,
		PatternRefs:    len(c.refs),
	}
}

// updateSizeMetrics refreshes the prometheus gauges. Caller holds c.mu.
func (c *Cache) updateSizeMetrics() {
	metricHotSize.Set(float64(len(c.hot)))
	metricPhonemeSize.Set(float64(len(c.phonemes)))
}
