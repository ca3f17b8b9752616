// Package dedupe fingerprints discovered posts and remembers which ones a
// discovery loop has already yielded.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

const (
	// TextPrefixRunes is how much of the post body takes part in the fingerprint.
	TextPrefixRunes = 500
	// FingerprintLen is the stored length of a fingerprint, in hex characters.
	FingerprintLen = 16
)

// Item holds the fields that identify a post.
type Item struct {
	URL       string
	Author    string
	Text      string
	Timestamp string
}

// Fingerprint is a deterministic, case-insensitive digest of the item.
// Changing any one field changes the result.
func Fingerprint(it Item) string {
	h := sha256.New()
	for _, field := range []string{it.URL, it.Author, prefix(it.Text, TextPrefixRunes), it.Timestamp} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(field))))
		// Separator keeps ("ab","c") and ("a","bc") apart.
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:FingerprintLen]
}

func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Cache is a bounded set of fingerprints. When it fills up it keeps only the
// most recently inserted half, which is an approximation of LRU by insertion
// order. It is not durable across restarts.
type Cache struct {
	capacity int

	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

func NewCache(capacity int) *Cache {
	if capacity < 2 {
		capacity = 2
	}
	return &Cache{
		capacity: capacity,
		set:      make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *Cache) Seen(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[fp]
	return ok
}

func (c *Cache) MarkSeen(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[fp]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		c.evictLocked()
	}
	c.set[fp] = struct{}{}
	c.order = append(c.order, fp)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Cache) evictLocked() {
	keep := c.capacity / 2
	drop := len(c.order) - keep
	for _, fp := range c.order[:drop] {
		delete(c.set, fp)
	}
	kept := make([]string, keep, c.capacity)
	copy(kept, c.order[drop:])
	c.order = kept
}
