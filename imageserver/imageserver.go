/*
	Package imageserver is the tile access facade over remote pixel stores.  An image
	must be opened, which loads its metadata once, before tiles can be read.  Tiles are
	read through the calling worker's own pixel-store handle and decoded into typed
	rasters owned by the caller.
*/
package imageserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"github.com/janelia-flyem/remotetiles/decode"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
	"github.com/janelia-flyem/remotetiles/tilecache"
	"golang.org/x/sync/singleflight"
)

// Config holds facade settings.
type Config struct {
	LevelOrder   pix.LevelOrder
	FetchTimeout time.Duration // zero means only the caller's deadline applies
	Decode       decode.Options
	Pool         pixelstore.Config
}

type entry struct {
	state  State
	layout *pixelstore.Layout
	meta   *Metadata
	broken error
	bytes  int // in-memory size of layout and metadata
}

// Server gives tile access to any number of images on one pixel store.
type Server struct {
	pool   *pixelstore.Pool
	cache  *tilecache.Cache
	config Config
	loads  singleflight.Group

	mu       sync.RWMutex
	images   map[pix.ImageID]*entry
	shutdown bool
}

// New returns a server opening sessions with the connector.  The cache may be nil.
func New(connector pixelstore.Connector, cache *tilecache.Cache, config Config) *Server {
	return &Server{
		pool:   pixelstore.NewPool(connector, config.Pool),
		cache:  cache,
		config: config,
		images: make(map[pix.ImageID]*entry),
	}
}

// NewWorker returns a worker token for one goroutine.  Release it when done.
func (s *Server) NewWorker(ctx context.Context) *pixelstore.Worker {
	return s.pool.NewWorker(ctx)
}

// Stats returns session lifecycle counters.
func (s *Server) Stats() pixelstore.Stats {
	return s.pool.Stats()
}

// MetadataBytes returns the in-memory size of the metadata held for open images.
func (s *Server) MetadataBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int
	for _, e := range s.images {
		if e.state == Ready {
			total += e.bytes
		}
	}
	return total
}

// CacheStats returns plane cache counters.
func (s *Server) CacheStats() tilecache.Stats {
	return s.cache.Stats()
}

// State returns the lifecycle state of an image.
func (s *Server) State(id pix.ImageID) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, found := s.images[id]; found {
		return e.state
	}
	return Unopened
}

// Metadata returns the metadata of an opened image.
func (s *Server) Metadata(id pix.ImageID) (*Metadata, error) {
	e, err := s.ready(id)
	if err != nil {
		return nil, err
	}
	return e.meta, nil
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.FetchTimeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < s.config.FetchTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.FetchTimeout)
}

// Open loads an image's metadata through its primary handle.  Concurrent opens of
// one image share a single load, which is bounded by the fetch timeout rather than
// by any one caller's context.  Opening a closed or broken image reloads it.
func (s *Server) Open(ctx context.Context, id pix.ImageID) (*Metadata, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, pix.ErrServerClosed
	}
	e := s.images[id]
	if e != nil && e.state == Ready && e.broken == nil {
		s.mu.Unlock()
		return e.meta, nil
	}
	if e == nil || e.state == Closed || e.broken != nil {
		e = &entry{state: Unopened}
		s.images[id] = e
	}
	s.mu.Unlock()

	// The load is shared, so one caller giving up must not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(id.String(), func() (interface{}, error) {
		return s.load(loadCtx, id, e)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("opening image %d: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			pix.Debugf("shared metadata load for image %d\n", id)
		}
		return res.Val.(*Metadata), nil
	}
}

func (s *Server) load(ctx context.Context, id pix.ImageID, e *entry) (*Metadata, error) {
	timedLog := pix.NewTimeLog()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	primary, err := s.pool.AcquirePrimary(ctx, id)
	if err != nil {
		s.markBroken(id, e, err)
		return nil, err
	}
	layout, err := primary.LoadLayout(ctx, s.config.LevelOrder)
	if err != nil {
		if pix.IsLifecycleError(err) {
			s.pool.Discard(primary)
		}
		return nil, fmt.Errorf("opening image %d: %w", id, err)
	}
	for _, diag := range layout.Diagnostics {
		pix.Warningf("image %d: %v\n", id, diag)
	}

	s.mu.Lock()
	if s.images[id] != e || e.state == Closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("image %d closed while opening: %w", id, pix.ErrServerClosed)
	}
	e.layout = layout
	e.state = MetadataLoaded
	e.meta = newMetadata(layout)
	e.bytes = size.Of(layout) + size.Of(e.meta)
	e.state = Ready
	meta, footprint := e.meta, e.bytes
	s.mu.Unlock()

	timedLog.Infof("Opened image %d (%s), %dx%dx%d, %d channels %s, %d levels, metadata %s",
		id, meta.Name, meta.SizeX, meta.SizeY, meta.SizeZ, meta.SizeC, meta.PixelType,
		len(meta.Levels), humanize.Bytes(uint64(footprint)))
	return meta, nil
}

func (s *Server) markBroken(id pix.ImageID, e *entry, err error) {
	if !errors.Is(err, pix.ErrConnection) {
		return
	}
	s.mu.Lock()
	if s.images[id] == e && e.state != Closed {
		e.broken = err
	}
	s.mu.Unlock()
	pix.Errorf("image %d marked broken: %v\n", id, err)
}

// ready returns the entry of an image that can serve tiles.
func (s *Server) ready(id pix.ImageID) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return nil, pix.ErrServerClosed
	}
	e, found := s.images[id]
	if !found {
		return nil, fmt.Errorf("image %d: %w", id, pix.ErrNotOpen)
	}
	switch {
	case e.state == Closed:
		return nil, fmt.Errorf("image %d: %w", id, pix.ErrServerClosed)
	case e.broken != nil:
		return nil, fmt.Errorf("image %d must be reopened: %w", id, e.broken)
	case e.state != Ready:
		return nil, fmt.Errorf("image %d is %s: %w", id, e.state, pix.ErrNotOpen)
	}
	return e, nil
}

// current returns true if e is still the open entry for the image.
func (s *Server) current(id pix.ImageID, e *entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shutdown && s.images[id] == e && e.state != Closed
}

// ReadTile reads and decodes every channel of a tile using the worker's handle.
func (s *Server) ReadTile(ctx context.Context, w *pixelstore.Worker, id pix.ImageID, req pix.TileRequest) (*decode.Tile, error) {
	return s.read(ctx, w, id, req, nil)
}

// ReadChannel reads and decodes one channel of a tile.
func (s *Server) ReadChannel(ctx context.Context, w *pixelstore.Worker, id pix.ImageID, req pix.TileRequest, c int) (*decode.Tile, error) {
	return s.read(ctx, w, id, req, []int{c})
}

func (s *Server) read(ctx context.Context, w *pixelstore.Worker, id pix.ImageID, req pix.TileRequest, channels []int) (*decode.Tile, error) {
	e, err := s.ready(id)
	if err != nil {
		return nil, err
	}
	layout := e.layout
	if !layout.Type.Supported() {
		return nil, fmt.Errorf("image %d: %w: %s", id, pix.ErrUnsupportedEncoding, layout.Type)
	}
	if channels == nil {
		channels = make([]int, len(layout.Channels))
		for c := range channels {
			channels[c] = c
		}
	}
	for _, c := range channels {
		if err := layout.CheckPlane(req.Z, req.T, c); err != nil {
			return nil, err
		}
	}
	rect, err := layout.Levels.Clamp(req.Level, req.Rect())
	if err != nil {
		return nil, err
	}

	planes := make([][]byte, len(channels))
	var missing []int
	for i, c := range channels {
		var found bool
		if planes[i], found = s.cache.Get(s.cacheKey(id, req, rect, c)); !found {
			missing = append(missing, i)
		}
	}
	if len(missing) != 0 {
		fetch := make([]int, len(missing))
		for j, i := range missing {
			fetch[j] = channels[i]
		}
		fetched, err := s.fetch(ctx, w, e, id, req, rect, fetch)
		if !s.current(id, e) {
			return nil, fmt.Errorf("image %d closed during read: %w", id, pix.ErrServerClosed)
		}
		if err != nil {
			return nil, err
		}
		for j, i := range missing {
			planes[i] = fetched[j]
			s.cache.Set(s.cacheKey(id, req, rect, channels[i]), fetched[j])
		}
	}

	mergeRGB := layout.Channels.MergedRGB() && len(channels) == len(layout.Channels)
	tile, err := decode.Decode(planes, layout.Type, layout.ByteOrder, rect.Width, rect.Height, len(planes), mergeRGB, s.config.Decode)
	if err != nil {
		return nil, fmt.Errorf("image %d %s: %w", id, req, err)
	}
	return tile, nil
}

func (s *Server) cacheKey(id pix.ImageID, req pix.TileRequest, rect pix.Rect, c int) tilecache.Key {
	return tilecache.Key{Image: id, Level: req.Level, Z: req.Z, T: req.T, C: c, Rect: rect}
}

func (s *Server) fetch(ctx context.Context, w *pixelstore.Worker, e *entry, id pix.ImageID, req pix.TileRequest, rect pix.Rect, channels []int) ([][]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	h, err := s.pool.AcquireForWorker(ctx, w, e.layout)
	if err != nil {
		s.markBroken(id, e, err)
		return nil, err
	}
	planes, err := h.ReadRegion(ctx, req.Level, req.Z, req.T, rect, channels)
	if err != nil {
		if pix.IsLifecycleError(err) || h.Closed() {
			s.pool.Discard(h)
		}
		return nil, fmt.Errorf("image %d %s: %w", id, req, err)
	}
	return planes, nil
}

// Close releases every handle onto the image.  Later reads fail with ErrServerClosed
// until the image is opened again.  Close is idempotent.
func (s *Server) Close(id pix.ImageID) error {
	s.mu.Lock()
	e, found := s.images[id]
	if !found {
		e = &entry{}
		s.images[id] = e
	}
	wasClosed := e.state == Closed
	e.state = Closed
	s.mu.Unlock()

	s.pool.ReleaseImage(id)
	s.cache.Invalidate(id)
	if !wasClosed {
		pix.Infof("Closed image %d\n", id)
	}
	return nil
}

// Shutdown closes every image and handle.  The server cannot be used afterwards.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	for _, e := range s.images {
		e.state = Closed
	}
	s.mu.Unlock()

	s.pool.Close()
	stats := s.pool.Stats()
	pix.Infof("Image server shut down: %s\n", stats)
}
