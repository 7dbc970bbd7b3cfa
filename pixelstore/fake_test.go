package pixelstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/janelia-flyem/remotetiles/pix"
)

// recorder logs session lifecycle events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeImage struct {
	info   pix.PixelsInfo
	levels []pix.LevelSize // server order
	tileW  int
	tileH  int
}

func newFakeImage() *fakeImage {
	return &fakeImage{
		info: pix.PixelsInfo{
			Name:      "fake",
			SizeX:     4096,
			SizeY:     4096,
			SizeZ:     2,
			SizeC:     2,
			SizeT:     1,
			PixelType: "uint16",
		},
		levels: []pix.LevelSize{{SizeX: 1024, SizeY: 1024}, {SizeX: 2048, SizeY: 2048}, {SizeX: 4096, SizeY: 4096}},
		tileW:  256,
		tileH:  256,
	}
}

type fakeSession struct {
	id  pix.ImageID
	img *fakeImage
	rec *recorder

	// if non-nil, GetTile waits for it to be closed
	block chan struct{}

	mu        sync.Mutex
	level     int
	setCalls  int
	tileCalls int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSession) PixelsInfo() (pix.PixelsInfo, error) {
	return s.img.info, nil
}

func (s *fakeSession) ResolutionLevels() (int, error) {
	return len(s.img.levels), nil
}

func (s *fakeSession) ResolutionDescriptions() ([]pix.LevelSize, error) {
	return s.img.levels, nil
}

func (s *fakeSession) TileSize() (int, int, error) {
	return s.img.tileW, s.img.tileH, nil
}

func (s *fakeSession) SetResolutionLevel(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.img.levels) {
		return fmt.Errorf("bad level %d", index)
	}
	s.level = index
	s.setCalls++
	return nil
}

func (s *fakeSession) GetTile(z, c, t, x, y, w, h int) ([]byte, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-s.closed:
			return nil, errors.New("session closed during call")
		}
	}
	s.mu.Lock()
	s.tileCalls++
	s.mu.Unlock()
	data := make([]byte, w*h*2)
	for i := range data {
		data[i] = byte(c)
	}
	return data, nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.rec != nil {
			s.rec.add("close %d", s.id)
		}
	})
	return nil
}

// fakeConnector connects to fake images and remembers every session it made.
type fakeConnector struct {
	rec    *recorder
	images map[pix.ImageID]*fakeImage
	block  chan struct{}
	fail   error

	// if non-nil, called before each session is made
	connecting func(id pix.ImageID)

	mu       sync.Mutex
	sessions []*fakeSession
}

func newFakeConnector(ids ...pix.ImageID) *fakeConnector {
	fc := &fakeConnector{
		rec:    &recorder{},
		images: make(map[pix.ImageID]*fakeImage),
	}
	for _, id := range ids {
		fc.images[id] = newFakeImage()
	}
	return fc
}

func (fc *fakeConnector) Connect(ctx context.Context, id pix.ImageID) (Session, error) {
	if fc.fail != nil {
		return nil, fc.fail
	}
	if fc.connecting != nil {
		fc.connecting(id)
	}
	img, found := fc.images[id]
	if !found {
		return nil, fmt.Errorf("no image %d", id)
	}
	s := &fakeSession{id: id, img: img, rec: fc.rec, block: fc.block, closed: make(chan struct{})}
	fc.rec.add("open %d", id)
	fc.mu.Lock()
	fc.sessions = append(fc.sessions, s)
	fc.mu.Unlock()
	return s, nil
}

func (fc *fakeConnector) layout(id pix.ImageID) *Layout {
	s := &fakeSession{id: id, img: fc.images[id], closed: make(chan struct{})}
	layout, err := loadLayout(s, id, pix.AutoOrder)
	if err != nil {
		panic(err)
	}
	return layout
}
