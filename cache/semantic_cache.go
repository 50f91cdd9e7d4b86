package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// Layer identifies which lookup layer produced a hit.
const (
	LayerExact      = "exact"
	LayerSimilarity = "similarity"
	LayerPredictive = "predictive"
)

// Entry is one cached ensemble response. TTL is derived from Quality, not
// stored.
type Entry struct {
	Key         string          `json:"key"`
	PromptHash  string          `json:"prompt_hash"`
	Vector      PromptVector    `json:"prompt_vector"`
	UserID      string          `json:"user_id"`
	Tier        core.Tier       `json:"tier"`
	Quality     float64         `json:"quality"`
	CreatedAt   time.Time       `json:"created_at"`
	AccessCount int64           `json:"access_count"`
	Compressed  bool            `json:"compressed"`
	Payload     []byte          `json:"payload"`
}

// PatternEntry is one record in a user's bounded query history, used by the
// predictive layer.
type PatternEntry struct {
	PromptText string     `json:"prompt_text"`
	PromptType PromptType `json:"prompt_type"`
	CacheKey   string     `json:"cache_key"`
	CreatedAt  time.Time  `json:"created_at"`
	Quality    float64    `json:"quality"`
}

// PersistentStore is an optional durable overlay for the exact layer.
// Failures are swallowed by the cache; hits are promoted to memory.
type PersistentStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats reports cache performance per layer.
type Stats struct {
	Size           int     `json:"size"`
	ExactHits      int64   `json:"exact_hits"`
	SimilarityHits int64   `json:"similarity_hits"`
	PredictiveHits int64   `json:"predictive_hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	Writes         int64   `json:"writes"`
	SkippedWrites  int64   `json:"skipped_writes"`
	HitRate        float64 `json:"hit_rate"`
}

// SemanticCache is the multi-layer response cache. Reads are lock-free
// (entries live in a sync.Map); writes serialize per key through striped
// locks. Two concurrent identical misses may both populate the cache; the
// last writer wins.
type SemanticCache struct {
	config core.CacheConfig
	logger core.Logger

	entries  sync.Map // map[string]*Entry
	size     atomic.Int64
	writeLks [32]sync.Mutex

	patternMu sync.Mutex
	patterns  map[string][]PatternEntry

	persistent PersistentStore

	exactHits      atomic.Int64
	similarityHits atomic.Int64
	predictiveHits atomic.Int64
	misses         atomic.Int64
	evictions      atomic.Int64
	writes         atomic.Int64
	skippedWrites  atomic.Int64

	stopEviction chan struct{}
	stopOnce     sync.Once
}

// NewSemanticCache creates the cache and starts its background eviction
// loop.
func NewSemanticCache(config core.CacheConfig, logger core.Logger) *SemanticCache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	c := &SemanticCache{
		config:       config,
		logger:       logger,
		patterns:     make(map[string][]PatternEntry),
		stopEviction: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// SetPersistentStore attaches a durable overlay for the exact layer.
func (c *SemanticCache) SetPersistentStore(store PersistentStore) {
	c.persistent = store
}

// Stop terminates the background eviction loop.
func (c *SemanticCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopEviction) })
}

// CacheKey computes the exact-layer key for a prompt scoped to user and
// tier.
func CacheKey(prompt, userID string, tier core.Tier) string {
	sum := sha256.Sum256([]byte(prompt + "|" + userID + "|" + string(tier)))
	return "ensemble:" + hex.EncodeToString(sum[:])[:32]
}

// TTL derives an entry's lifetime from its quality score. Higher quality
// always lives at least as long as lower.
func (c *SemanticCache) TTL(quality float64) time.Duration {
	switch {
	case quality >= 0.8:
		return c.config.HighQualityTTL
	case quality >= 0.6:
		return c.config.MediumQualityTTL
	default:
		return c.config.LowQualityTTL
	}
}

// Get probes the three layers in order: exact key, prompt-vector
// similarity, then user-pattern prediction. The first valid hit wins.
// Returns the decoded response, the layer that hit, and whether a hit
// occurred. Expired entries behave as misses.
func (c *SemanticCache) Get(ctx context.Context, prompt, userID string, tier core.Tier) (*core.EnsembleResponse, string, bool) {
	key := CacheKey(prompt, userID, tier)

	if entry := c.lookupExact(ctx, key); entry != nil {
		resp, err := c.decode(entry)
		if err == nil {
			c.exactHits.Add(1)
			c.logHit(LayerExact, key, entry)
			return resp, LayerExact, true
		}
		c.remove(key)
	}

	if entry := c.lookupSimilar(prompt, userID, tier); entry != nil {
		resp, err := c.decode(entry)
		if err == nil {
			c.similarityHits.Add(1)
			c.logHit(LayerSimilarity, entry.Key, entry)
			return resp, LayerSimilarity, true
		}
		c.remove(entry.Key)
	}

	if entry := c.lookupPredictive(prompt, userID); entry != nil {
		resp, err := c.decode(entry)
		if err == nil {
			c.predictiveHits.Add(1)
			c.logHit(LayerPredictive, entry.Key, entry)
			return resp, LayerPredictive, true
		}
		c.remove(entry.Key)
	}

	c.misses.Add(1)
	c.logger.Debug("Cache miss", map[string]interface{}{
		"operation": "cache_get",
		"key":       key,
		"user_id":   userID,
	})
	return nil, "", false
}

// lookupExact checks the in-memory map, then the persistent overlay. A
// persistent hit is promoted to memory.
func (c *SemanticCache) lookupExact(ctx context.Context, key string) *Entry {
	if v, ok := c.entries.Load(key); ok {
		entry := v.(*Entry)
		if c.valid(entry) {
			atomic.AddInt64(&entry.AccessCount, 1)
			return entry
		}
		c.remove(key)
	}

	if c.persistent == nil {
		return nil
	}
	data, err := c.persistent.Load(ctx, key)
	if err != nil || data == nil {
		// Cache errors are swallowed
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	if !c.valid(&entry) {
		return nil
	}
	// Promote to memory
	c.store(key, &entry)
	c.logger.Debug("Persistent cache hit promoted to memory", map[string]interface{}{
		"operation": "cache_promote",
		"key":       key,
	})
	return &entry
}

// lookupSimilar scans entries for the same user and tier and returns the
// best cosine match above the similarity threshold.
func (c *SemanticCache) lookupSimilar(prompt, userID string, tier core.Tier) *Entry {
	incoming := Vectorize(prompt)
	if len(incoming) == 0 {
		return nil
	}

	var best *Entry
	bestScore := c.config.SimilarityThreshold
	c.entries.Range(func(_, v interface{}) bool {
		entry := v.(*Entry)
		if entry.UserID != userID || entry.Tier != tier || !c.valid(entry) {
			return true
		}
		if score := Cosine(incoming, entry.Vector); score > bestScore {
			bestScore = score
			best = entry
		}
		return true
	})

	if best != nil {
		atomic.AddInt64(&best.AccessCount, 1)
	}
	return best
}

// lookupPredictive classifies the prompt and searches the user's recent
// queries of the same type for the highest Jaccard similarity prior above
// the predictive threshold.
func (c *SemanticCache) lookupPredictive(prompt, userID string) *Entry {
	ptype := ClassifyPrompt(prompt)

	c.patternMu.Lock()
	history := make([]PatternEntry, len(c.patterns[userID]))
	copy(history, c.patterns[userID])
	c.patternMu.Unlock()

	var bestKey string
	bestScore := c.config.PredictiveThreshold
	for _, pat := range history {
		if pat.PromptType != ptype {
			continue
		}
		if score := Jaccard(prompt, pat.PromptText); score > bestScore {
			bestScore = score
			bestKey = pat.CacheKey
		}
	}
	if bestKey == "" {
		return nil
	}

	v, ok := c.entries.Load(bestKey)
	if !ok {
		return nil
	}
	entry := v.(*Entry)
	if !c.valid(entry) {
		c.remove(bestKey)
		return nil
	}
	atomic.AddInt64(&entry.AccessCount, 1)
	return entry
}

// Put stores a response keyed by prompt, user and tier. Writes below the
// quality threshold are skipped. Payloads above the compression threshold
// are gzip-compressed. The user's pattern history is updated either way so
// the predictive layer learns from every answered query.
func (c *SemanticCache) Put(ctx context.Context, prompt, userID string, tier core.Tier, resp *core.EnsembleResponse, quality float64) error {
	key := CacheKey(prompt, userID, tier)

	if quality < c.config.QualityThreshold {
		c.skippedWrites.Add(1)
		c.logger.Debug("Cache write skipped below quality threshold", map[string]interface{}{
			"operation": "cache_put",
			"key":       key,
			"quality":   quality,
			"threshold": c.config.QualityThreshold,
		})
		return nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding cache payload: %w", err)
	}

	compressed := false
	if c.config.CompressionThreshold > 0 && len(payload) > c.config.CompressionThreshold {
		if gz, err := gzipBytes(payload); err == nil {
			payload = gz
			compressed = true
		}
	}

	entry := &Entry{
		Key:        key,
		PromptHash: key[len("ensemble:"):],
		Vector:     Vectorize(prompt),
		UserID:     userID,
		Tier:       tier,
		Quality:    quality,
		CreatedAt:  time.Now(),
		Compressed: compressed,
		Payload:    payload,
	}

	c.store(key, entry)
	c.writes.Add(1)
	c.recordPattern(userID, prompt, key, quality)

	if c.persistent != nil {
		if data, err := json.Marshal(entry); err == nil {
			if err := c.persistent.Save(ctx, key, data, c.TTL(quality)); err != nil {
				// Persistence is best-effort
				c.logger.Warn("Persistent cache write failed", map[string]interface{}{
					"operation": "cache_put",
					"key":       key,
					"error":     err.Error(),
				})
			}
		}
	}

	c.logger.Debug("Cache entry stored", map[string]interface{}{
		"operation":  "cache_put",
		"key":        key,
		"quality":    quality,
		"ttl":        c.TTL(quality).String(),
		"compressed": compressed,
		"bytes":      len(payload),
	})

	// On-insert capacity check, in addition to the background loop
	if int(c.size.Load()) > c.config.MaxCacheSize {
		c.evictOldest()
	}
	return nil
}

// Invalidate removes the entry for a specific prompt.
func (c *SemanticCache) Invalidate(ctx context.Context, prompt, userID string, tier core.Tier) {
	key := CacheKey(prompt, userID, tier)
	c.remove(key)
	if c.persistent != nil {
		_ = c.persistent.Delete(ctx, key)
	}
}

// InvalidateUser removes every entry and pattern for a user.
func (c *SemanticCache) InvalidateUser(userID string) {
	c.entries.Range(func(k, v interface{}) bool {
		if v.(*Entry).UserID == userID {
			c.remove(k.(string))
		}
		return true
	})
	c.patternMu.Lock()
	delete(c.patterns, userID)
	c.patternMu.Unlock()
}

// Clear drops every entry and pattern.
func (c *SemanticCache) Clear() {
	c.entries.Range(func(k, _ interface{}) bool {
		c.remove(k.(string))
		return true
	})
	c.patternMu.Lock()
	c.patterns = make(map[string][]PatternEntry)
	c.patternMu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *SemanticCache) Stats() Stats {
	hits := c.exactHits.Load() + c.similarityHits.Load() + c.predictiveHits.Load()
	total := hits + c.misses.Load()
	s := Stats{
		Size:           int(c.size.Load()),
		ExactHits:      c.exactHits.Load(),
		SimilarityHits: c.similarityHits.Load(),
		PredictiveHits: c.predictiveHits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		Writes:         c.writes.Load(),
		SkippedWrites:  c.skippedWrites.Load(),
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// valid reports whether an entry is within its quality-derived TTL.
func (c *SemanticCache) valid(entry *Entry) bool {
	return time.Since(entry.CreatedAt) < c.TTL(entry.Quality)
}

func (c *SemanticCache) store(key string, entry *Entry) {
	lk := &c.writeLks[stripe(key)]
	lk.Lock()
	defer lk.Unlock()
	if _, loaded := c.entries.Load(key); !loaded {
		c.size.Add(1)
	}
	c.entries.Store(key, entry)
}

func (c *SemanticCache) remove(key string) {
	lk := &c.writeLks[stripe(key)]
	lk.Lock()
	defer lk.Unlock()
	if _, loaded := c.entries.LoadAndDelete(key); loaded {
		c.size.Add(-1)
		c.evictions.Add(1)
	}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % 32
}

// recordPattern appends to the user's bounded FIFO of recent queries.
func (c *SemanticCache) recordPattern(userID, prompt, key string, quality float64) {
	c.patternMu.Lock()
	defer c.patternMu.Unlock()

	history := append(c.patterns[userID], PatternEntry{
		PromptText: prompt,
		PromptType: ClassifyPrompt(prompt),
		CacheKey:   key,
		CreatedAt:  time.Now(),
		Quality:    quality,
	})
	if window := c.config.UserPatternWindow; window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	c.patterns[userID] = history
}

// evictionLoop expires entries and stale user patterns on an interval.
func (c *SemanticCache) evictionLoop() {
	interval := c.config.EvictionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
			if int(c.size.Load()) > c.config.MaxCacheSize {
				c.evictOldest()
			}
			c.expirePatterns()
		case <-c.stopEviction:
			return
		}
	}
}

func (c *SemanticCache) evictExpired() {
	c.entries.Range(func(k, v interface{}) bool {
		if !c.valid(v.(*Entry)) {
			c.remove(k.(string))
		}
		return true
	})
}

// evictOldest drops the oldest 20% of entries by creation time.
func (c *SemanticCache) evictOldest() {
	type aged struct {
		key       string
		createdAt time.Time
	}
	var all []aged
	c.entries.Range(func(k, v interface{}) bool {
		all = append(all, aged{k.(string), v.(*Entry).CreatedAt})
		return true
	})
	if len(all) == 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	drop := len(all) / 5
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		c.remove(a.key)
	}

	c.logger.Info("Cache capacity eviction", map[string]interface{}{
		"operation": "cache_evict",
		"dropped":   drop,
		"remaining": c.size.Load(),
	})
}

// expirePatterns drops user histories idle beyond the pattern expiry.
func (c *SemanticCache) expirePatterns() {
	expiry := c.config.PatternExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	cutoff := time.Now().Add(-expiry)

	c.patternMu.Lock()
	defer c.patternMu.Unlock()
	for userID, history := range c.patterns {
		if len(history) == 0 || history[len(history)-1].CreatedAt.Before(cutoff) {
			delete(c.patterns, userID)
		}
	}
}

func (c *SemanticCache) decode(entry *Entry) (*core.EnsembleResponse, error) {
	payload := entry.Payload
	if entry.Compressed {
		var err error
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, err
		}
	}
	var resp core.EnsembleResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SemanticCache) logHit(layer, key string, entry *Entry) {
	c.logger.Debug("Cache hit", map[string]interface{}{
		"operation":    "cache_get",
		"layer":        layer,
		"key":          key,
		"quality":      entry.Quality,
		"access_count": atomic.LoadInt64(&entry.AccessCount),
		"age":          time.Since(entry.CreatedAt).String(),
	})
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
