package storage

import "container/list"

// LRUCache tracks page access order for buffer pool eviction. It is
// not safe for concurrent use; the buffer pool serializes access.
type LRUCache struct {
	list    *list.List                // Doubly linked list for LRU ordering
	entries map[PageRef]*list.Element // Map for O(1) lookup
}

// lruEntry represents an entry in the LRU cache.
type lruEntry struct {
	ref PageRef
}

// NewLRUCache creates a new LRU cache.
func NewLRUCache() *LRUCache {
	return &LRUCache{
		list:    list.New(),
		entries: make(map[PageRef]*list.Element),
	}
}

// Access marks a page as recently accessed, moving it to the front of
// the list. If the page is not in the cache, it is added.
func (c *LRUCache) Access(ref PageRef) {
	if elem, exists := c.entries[ref]; exists {
		c.list.MoveToFront(elem)
		return
	}

	entry := &lruEntry{ref: ref}
	elem := c.list.PushFront(entry)
	c.entries[ref] = elem
}

// Remove removes a page from the LRU cache.
func (c *LRUCache) Remove(ref PageRef) {
	if elem, exists := c.entries[ref]; exists {
		c.list.Remove(elem)
		delete(c.entries, ref)
	}
}

// GetLRU returns the least recently used page reference.
func (c *LRUCache) GetLRU() (PageRef, bool) {
	elem := c.list.Back()
	if elem == nil {
		return NilRef, false
	}

	entry := elem.Value.(*lruEntry)
	return entry.ref, true
}

// GetLRUExcluding returns the least recently used page that is not in
// the excluded set. Used to find eviction candidates while skipping
// pinned pages.
func (c *LRUCache) GetLRUExcluding(excluded map[PageRef]bool) (PageRef, bool) {
	for elem := c.list.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*lruEntry)
		if !excluded[entry.ref] {
			return entry.ref, true
		}
	}
	return NilRef, false
}

// Contains checks if a page is in the LRU cache.
func (c *LRUCache) Contains(ref PageRef) bool {
	_, exists := c.entries[ref]
	return exists
}

// Len returns the number of entries in the LRU cache.
func (c *LRUCache) Len() int {
	return c.list.Len()
}

// Clear removes all entries from the LRU cache.
func (c *LRUCache) Clear() {
	c.list.Init()
	c.entries = make(map[PageRef]*list.Element)
}

// GetAll returns all page references in the cache, ordered from most
// to least recently used.
func (c *LRUCache) GetAll() []PageRef {
	result := make([]PageRef, 0, c.list.Len())
	for elem := c.list.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*lruEntry)
		result = append(result, entry.ref)
	}
	return result
}
