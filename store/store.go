/*
	Package store holds the images served by a pixel store.  Backends keep the full
	resolution pyramid of each image as raw planes in the image's byte order; a Session
	exposes one image through the stateful pixel-store call surface.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrSessionClosed = errors.New("session closed")
)

// Backend is a collection of images.
type Backend interface {
	Images() ([]pix.ImageID, error)
	Open(id pix.ImageID) (Image, error)
	Close() error
}

// Image gives read access to the planes of one stored image.  Levels are indexed
// in the server's order.
type Image interface {
	Meta() *Meta
	Plane(level, z, c, t int, r pix.Rect) ([]byte, error)
}

// Meta is the stored description of an image.  Levels are in server order.
type Meta struct {
	Info       pix.PixelsInfo
	Levels     []pix.LevelSize
	TileWidth  int
	TileHeight int
}

// FullLevel returns the server index of the full resolution level.
func (m *Meta) FullLevel() int {
	var index, area int
	for i, l := range m.Levels {
		if a := l.SizeX * l.SizeY; a > area {
			index, area = i, a
		}
	}
	return index
}

// checkRegion returns an error unless the plane and region lie inside the level.
func (m *Meta) checkRegion(level, z, c, t int, r pix.Rect) error {
	if level < 0 || level >= len(m.Levels) {
		return fmt.Errorf("%w: server level %d of %d", pix.ErrInvalidLevel, level, len(m.Levels))
	}
	if z < 0 || z >= m.Info.SizeZ || c < 0 || c >= m.Info.SizeC || t < 0 || t >= m.Info.SizeT {
		return fmt.Errorf("%w: z=%d c=%d t=%d", pix.ErrInvalidPlane, z, c, t)
	}
	size := m.Levels[level]
	if r.Empty() || r.X < 0 || r.Y < 0 || r.X > size.SizeX-r.Width || r.Y > size.SizeY-r.Height {
		return fmt.Errorf("%w: %s outside %dx%d level %d", pix.ErrEmptyRegion, r, size.SizeX, size.SizeY, level)
	}
	return nil
}

func (m *Meta) bytesPerSample() int {
	t, err := pix.ParsePixelType(m.Info.PixelType)
	if err != nil {
		return 1
	}
	if n := t.BytesPerSample(); n > 0 {
		return n
	}
	return 1
}

// crop copies a region out of a full level plane.
func crop(plane []byte, levelWidth, bytesPerSample int, r pix.Rect) []byte {
	rowBytes := r.Width * bytesPerSample
	out := make([]byte, rowBytes*r.Height)
	for y := 0; y < r.Height; y++ {
		src := ((r.Y+y)*levelWidth + r.X) * bytesPerSample
		copy(out[y*rowBytes:(y+1)*rowBytes], plane[src:src+rowBytes])
	}
	return out
}

// Session serves one image with the stateful pixel-store call surface.
type Session struct {
	img    Image
	meta   *Meta
	closed atomic.Bool

	mu    sync.Mutex
	level int
}

// NewSession returns a session positioned at the full resolution level.
func NewSession(img Image) *Session {
	meta := img.Meta()
	return &Session{
		img:   img,
		meta:  meta,
		level: meta.FullLevel(),
	}
}

func (s *Session) check() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) PixelsInfo() (pix.PixelsInfo, error) {
	if err := s.check(); err != nil {
		return pix.PixelsInfo{}, err
	}
	return s.meta.Info, nil
}

func (s *Session) ResolutionLevels() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return len(s.meta.Levels), nil
}

func (s *Session) ResolutionDescriptions() ([]pix.LevelSize, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]pix.LevelSize(nil), s.meta.Levels...), nil
}

func (s *Session) TileSize() (int, int, error) {
	if err := s.check(); err != nil {
		return 0, 0, err
	}
	return s.meta.TileWidth, s.meta.TileHeight, nil
}

func (s *Session) SetResolutionLevel(index int) error {
	if err := s.check(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.meta.Levels) {
		return fmt.Errorf("%w: server level %d of %d", pix.ErrInvalidLevel, index, len(s.meta.Levels))
	}
	s.mu.Lock()
	s.level = index
	s.mu.Unlock()
	return nil
}

// Level returns the current server resolution index.
func (s *Session) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Session) GetTile(z, c, t, x, y, w, h int) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.img.Plane(s.Level(), z, c, t, pix.Rect{X: x, Y: y, Width: w, Height: h})
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// LocalConnector serves sessions directly from a backend in the same process.
type LocalConnector struct {
	Backend Backend
}

func (lc LocalConnector) Connect(ctx context.Context, id pix.ImageID) (pixelstore.Session, error) {
	img, err := lc.Backend.Open(id)
	if err != nil {
		return nil, err
	}
	return NewSession(img), nil
}
