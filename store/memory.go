package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/remotetiles/pix"
)

type planeKey struct {
	level, z, c, t int
}

// MemImage is an image whose planes are held in memory.
type MemImage struct {
	meta   Meta
	planes map[planeKey][]byte
}

// NewMemImage returns an empty image with the given description.
func NewMemImage(meta Meta) *MemImage {
	return &MemImage{
		meta:   meta,
		planes: make(map[planeKey][]byte),
	}
}

func (img *MemImage) Meta() *Meta {
	return &img.meta
}

// SetPlane stores the full plane of a level.
func (img *MemImage) SetPlane(level, z, c, t int, data []byte) error {
	if level < 0 || level >= len(img.meta.Levels) {
		return fmt.Errorf("%w: server level %d", pix.ErrInvalidLevel, level)
	}
	size := img.meta.Levels[level]
	expected := size.SizeX * size.SizeY * img.meta.bytesPerSample()
	if len(data) != expected {
		return fmt.Errorf("plane for level %d has %d bytes, expected %d", level, len(data), expected)
	}
	img.planes[planeKey{level, z, c, t}] = data
	return nil
}

// FullPlane returns the stored plane of a level, or nil if none is stored.
func (img *MemImage) FullPlane(level, z, c, t int) []byte {
	return img.planes[planeKey{level, z, c, t}]
}

func (img *MemImage) Plane(level, z, c, t int, r pix.Rect) ([]byte, error) {
	if err := img.meta.checkRegion(level, z, c, t, r); err != nil {
		return nil, err
	}
	plane, found := img.planes[planeKey{level, z, c, t}]
	if !found {
		return nil, fmt.Errorf("no data for level %d z=%d c=%d t=%d", level, z, c, t)
	}
	return crop(plane, img.meta.Levels[level].SizeX, img.meta.bytesPerSample(), r), nil
}

// Memory is a Backend holding images in memory.
type Memory struct {
	mu     sync.RWMutex
	images map[pix.ImageID]*MemImage
}

func NewMemory() *Memory {
	return &Memory{images: make(map[pix.ImageID]*MemImage)}
}

// Put adds or replaces an image.
func (m *Memory) Put(id pix.ImageID, img *MemImage) {
	m.mu.Lock()
	m.images[id] = img
	m.mu.Unlock()
}

func (m *Memory) Images() ([]pix.ImageID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]pix.ImageID, 0, len(m.images))
	for id := range m.images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Open(id pix.ImageID) (Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, found := m.images[id]
	if !found {
		return nil, fmt.Errorf("image %d: %w", id, ErrImageNotFound)
	}
	return img, nil
}

func (m *Memory) Close() error {
	return nil
}
