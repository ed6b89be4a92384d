package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Entry is the outcome of a single frame budget probe.
type Entry struct {
	FrameBudget int       `json:"frame_budget"`
	Extended    bool      `json:"extended"`
	ProbedAt    time.Time `json:"probed_at"`
}

type BudgetCache struct {
	MaxEntries int
	Adapters   map[string]Entry `json:"adapters"`
	lock       sync.Mutex
}

// Key identifies the configuration a probe result applies to. The budget depends on the adapter,
// the advertising options and whether extended advertising was permitted.
func Key(adapterID string, companyID uint16, connectable, legacyOnly bool) string {
	if adapterID == "" {
		adapterID = "default"
	}
	return fmt.Sprintf("%s/0x%04x/connectable=%v/legacy=%v", adapterID, companyID, connectable, legacyOnly)
}

// New returns a BudgetCache that holds probe results for up to maxEntries configurations. When
// full, the entry probed least recently is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *BudgetCache {
	return &BudgetCache{
		MaxEntries: maxEntries,
		Adapters:   make(map[string]Entry),
	}
}

// Import a BudgetCache using data in r.
// The data should previously have been generated using [BudgetCache.Export].
func Import(r io.Reader) (*BudgetCache, error) {
	var cache BudgetCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Adapters == nil {
		cache.Adapters = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a BudgetCache from disk.
func ImportFromFile(filename string) (*BudgetCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized BudgetCache to w.
func (c *BudgetCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a BudgetCache to disk, replacing any previous contents.
func (c *BudgetCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Update records the probe result for key.
func (c *BudgetCache) Update(key string, entry Entry) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.Adapters[key] = entry
	if c.MaxEntries > 0 && len(c.Adapters) > c.MaxEntries {
		oldestKey := key
		oldestProbe := entry.ProbedAt
		for k, e := range c.Adapters {
			if e.ProbedAt.Before(oldestProbe) {
				oldestKey = k
				oldestProbe = e.ProbedAt
			}
		}
		delete(c.Adapters, oldestKey)
	}
}

// Get returns the probe result for key if it is younger than maxAge. A zero maxAge accepts
// entries of any age.
func (c *BudgetCache) Get(key string, maxAge time.Duration, now time.Time) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Adapters[key]
	if !ok || entry.FrameBudget <= 0 {
		return Entry{}, false
	}
	if maxAge > 0 && now.Sub(entry.ProbedAt) > maxAge {
		return Entry{}, false
	}
	return entry, true
}
