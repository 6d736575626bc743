// Package cache holds the last known good copy of each room document.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
)

type cached struct {
	room     *models.Room
	revision uint64
}

// Cache is safe for concurrent use. Readers never block on I/O.
type Cache struct {
	mu    sync.RWMutex
	rooms map[string]cached
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		rooms: make(map[string]cached),
	}
}

// Get returns a copy of the cached room.
func (c *Cache) Get(code string) (*models.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rooms[code]
	if !ok {
		return nil, false
	}
	return e.room.Clone(), true
}

// Revision returns the store revision of the cached room, 0 if unknown.
func (c *Cache) Revision(code string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[code].revision
}

// Set stores room unless the cached copy is newer. A write with a store
// revision older than the cached one is ignored. Without revisions the room
// timestamp decides. It reports whether the cache changed.
func (c *Cache) Set(code string, room *models.Room, revision uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.rooms[code]; ok && stale(cur, room, revision) {
		return false
	}
	c.rooms[code] = cached{room: room.Clone(), revision: revision}
	return true
}

func stale(cur cached, room *models.Room, revision uint64) bool {
	if revision != 0 && cur.revision != 0 {
		return revision < cur.revision
	}
	return room.Timestamp < cur.room.Timestamp
}

// Delete removes the room unless the cached copy is newer than revision.
func (c *Cache) Delete(code string, revision uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.rooms[code]; ok && revision != 0 && revision < cur.revision {
		return
	}
	delete(c.rooms, code)
}

// Apply folds a change feed entry for rooms/{code} into the cache.
func (c *Cache) Apply(code string, e store.Entry) (*models.Room, bool, error) {
	if e.Deleted {
		c.Delete(code, e.Revision)
		return nil, true, nil
	}
	var room models.Room
	if err := json.Unmarshal(e.Value, &room); err != nil {
		return nil, false, fmt.Errorf("decode room %s: %w", code, err)
	}
	if room.Code == "" {
		room.Code = code
	}
	changed := c.Set(code, &room, e.Revision)
	return &room, changed, nil
}
