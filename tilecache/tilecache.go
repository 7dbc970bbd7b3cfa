/*
	Package tilecache keeps recently fetched raw planes in a fixed-size, off-heap cache.
	Entries are snappy-compressed and every hit returns a fresh copy, so callers never
	share buffers with the cache.
*/
package tilecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/janelia-flyem/remotetiles/pix"
)

// Key identifies one raw plane of one region.
type Key struct {
	Image pix.ImageID
	Level int
	Z     int
	T     int
	C     int
	Rect  pix.Rect
}

func (k Key) String() string {
	return fmt.Sprintf("image %d level %d z=%d t=%d c=%d %s", k.Image, k.Level, k.Z, k.T, k.C, k.Rect)
}

// Stats reports cache usage.
type Stats struct {
	Entries int64
	Hits    int64
	Misses  int64
	HitRate float64
}

// Cache is a raw plane cache.  A nil *Cache is valid and caches nothing.
type Cache struct {
	fc     *freecache.Cache
	expire int

	mu          sync.RWMutex
	generations map[pix.ImageID]uint32
}

// New returns a cache holding up to megabytes of compressed planes.  Entries expire
// after expireSeconds, or never if zero.  New returns nil if megabytes is not positive.
func New(megabytes int, expireSeconds int) *Cache {
	if megabytes <= 0 {
		return nil
	}
	size := megabytes << 20
	pix.Infof("Plane cache of %s\n", humanize.Bytes(uint64(size)))
	return &Cache{
		fc:          freecache.NewCache(size),
		expire:      expireSeconds,
		generations: make(map[pix.ImageID]uint32),
	}
}

func (c *Cache) key(k Key) []byte {
	c.mu.RLock()
	gen := c.generations[k.Image]
	c.mu.RUnlock()

	b := make([]byte, 12+4*8)
	binary.BigEndian.PutUint64(b[0:8], uint64(k.Image))
	binary.BigEndian.PutUint32(b[8:12], gen)
	for i, v := range []int{k.Level, k.Z, k.T, k.C, k.Rect.X, k.Rect.Y, k.Rect.Width, k.Rect.Height} {
		binary.BigEndian.PutUint32(b[12+4*i:], uint32(v))
	}
	return b
}

// Get returns a copy of the cached plane.
func (c *Cache) Get(k Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, err := c.fc.Get(c.key(k))
	if err != nil {
		if !errors.Is(err, freecache.ErrNotFound) {
			pix.Warningf("plane cache get %s: %v\n", k, err)
		}
		return nil, false
	}
	plane, err := snappy.Decode(nil, v)
	if err != nil {
		pix.Errorf("corrupt cached plane for %s: %v\n", k, err)
		c.fc.Del(c.key(k))
		return nil, false
	}
	return plane, true
}

// Set stores a plane.  Planes too large for the cache are skipped.
func (c *Cache) Set(k Key, plane []byte) {
	if c == nil {
		return
	}
	if err := c.fc.Set(c.key(k), snappy.Encode(nil, plane), c.expire); err != nil {
		pix.Debugf("not caching %s (%s): %v\n", k, humanize.Bytes(uint64(len(plane))), err)
	}
}

// Invalidate makes every cached plane of the image unreachable.  Old entries age out.
func (c *Cache) Invalidate(id pix.ImageID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.generations[id]++
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.fc.Clear()
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Entries: c.fc.EntryCount(),
		Hits:    c.fc.HitCount(),
		Misses:  c.fc.MissCount(),
		HitRate: c.fc.HitRate(),
	}
}
