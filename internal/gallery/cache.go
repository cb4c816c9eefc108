package gallery

import (
	"time"

	"github.com/tdeslauriers/derma/pkg/api"
)

// Entry is a resolved display url.
type Entry struct {
	Url       string
	ExpiresAt time.Time // zero for public urls
	Public    bool      // public urls are stable and never expire
}

// Cache is read and written by the resolver.
type Cache interface {

	// Get returns the entry for the photo's variant if one is cached and still valid at now.
	Get(id string, v api.Variant, now time.Time) (Entry, bool)

	// Put stores the entry for the photo's variant.
	Put(id string, v api.Variant, e Entry)
}

type urlKey struct {
	id      string
	variant api.Variant
}

// URLCache maps (photo id, variant) to resolved urls. A signed entry is reused until
// margin before its expiry. Not safe for concurrent use: a Feed owns one and only
// touches it from its update loop.
type URLCache struct {
	entries map[urlKey]Entry
	margin  time.Duration
}

var _ Cache = (*URLCache)(nil)

// NewURLCache creates an empty cache with the given safety margin.
func NewURLCache(margin time.Duration) *URLCache {
	return &URLCache{
		entries: make(map[urlKey]Entry),
		margin:  margin,
	}
}

// IsValid reports whether the entry may still be handed to a caller at now.
func (c *URLCache) IsValid(e Entry, now time.Time) bool {
	if e.Url == "" {
		return false
	}
	if e.Public {
		return true
	}
	return now.Before(e.ExpiresAt.Add(-c.margin))
}

// Get is the concrete implementation of the interface method.
// Stale entries are dropped on read.
func (c *URLCache) Get(id string, v api.Variant, now time.Time) (Entry, bool) {

	k := urlKey{id: id, variant: v}
	e, ok := c.entries[k]
	if !ok {
		return Entry{}, false
	}

	if !c.IsValid(e, now) {
		delete(c.entries, k)
		return Entry{}, false
	}

	return e, true
}

// Put is the concrete implementation of the interface method.
func (c *URLCache) Put(id string, v api.Variant, e Entry) {
	c.entries[urlKey{id: id, variant: v}] = e
}

// Invalidate drops every cached variant of the photo.
func (c *URLCache) Invalidate(id string) {
	for _, v := range api.Variants {
		delete(c.entries, urlKey{id: id, variant: v})
	}
}

// Len is the number of cached entries, valid or not.
func (c *URLCache) Len() int {
	return len(c.entries)
}
