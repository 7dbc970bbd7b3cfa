package pixelstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/twinj/uuid"
)

const (
	DefaultMaxPrimary   = 64
	DefaultReapInterval = 30 * time.Second
)

// Config sets pool limits.  Zero values pick defaults; a zero MaxIdle disables
// idle reaping.
type Config struct {
	MaxPrimary   int
	ReapInterval time.Duration
	MaxIdle      time.Duration
}

// Stats counts session lifecycle events.
type Stats struct {
	Opened    int64
	Closed    int64
	Workers   int
	Primaries int
}

// Live returns the number of sessions currently open.
func (s Stats) Live() int64 {
	return s.Opened - s.Closed
}

func (s Stats) String() string {
	return fmt.Sprintf("%d sessions opened, %d closed, %d worker handles, %d primary handles",
		s.Opened, s.Closed, s.Workers, s.Primaries)
}

// Worker identifies one unit of confinement: a goroutine, or a series of goroutines
// that hand off work without overlapping.  A worker has at most one live handle.
type Worker struct {
	id       string
	pool     *Pool
	released atomic.Bool
}

// ID returns the worker's unique id.
func (w *Worker) ID() string {
	return w.id
}

// Release closes the worker's handle.  It is safe to call more than once.
func (w *Worker) Release() {
	if w.released.CompareAndSwap(false, true) {
		w.pool.releaseWorker(w.id)
	}
}

type slot struct {
	handle   *Handle
	done     <-chan struct{}
	lastUsed time.Time
}

// Pool lazily creates handles per worker and per image.
type Pool struct {
	connector Connector
	config    Config

	mu        sync.Mutex
	slots     map[string]*slot // keyed by worker id
	primaries *lru.Cache       // ImageID -> *Handle
	evicted   []*Handle
	released  map[pix.ImageID]uint64 // bumped by ReleaseImage
	shutdown  bool

	opened atomic.Int64
	closed atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool returns a pool that opens sessions with the given connector and starts
// its reaper.  Close the pool to stop the reaper and close every handle.
func NewPool(connector Connector, config Config) *Pool {
	if config.MaxPrimary <= 0 {
		config.MaxPrimary = DefaultMaxPrimary
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	p := &Pool{
		connector: connector,
		config:    config,
		slots:     make(map[string]*slot),
		primaries: lru.New(config.MaxPrimary),
		released:  make(map[pix.ImageID]uint64),
		stop:      make(chan struct{}),
	}
	// Only called with p.mu held.
	p.primaries.OnEvicted = func(key lru.Key, value interface{}) {
		p.evicted = append(p.evicted, value.(*Handle))
	}
	p.wg.Add(1)
	go p.reaper()
	return p
}

// NewWorker returns a worker token.  The worker's handle is closed on Release,
// when ctx is done, or if the token becomes unreachable without being released.
func (p *Pool) NewWorker(ctx context.Context) *Worker {
	if ctx == nil {
		ctx = context.Background()
	}
	w := &Worker{
		id:   uuid.NewV4().String(),
		pool: p,
	}
	p.mu.Lock()
	p.slots[w.id] = &slot{done: ctx.Done(), lastUsed: time.Now()}
	p.mu.Unlock()
	runtime.AddCleanup(w, func(id string) {
		go p.releaseWorker(id)
	}, w.id)
	return w
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var workers int
	for _, s := range p.slots {
		if s.handle != nil {
			workers++
		}
	}
	return Stats{
		Opened:    p.opened.Load(),
		Closed:    p.closed.Load(),
		Workers:   workers,
		Primaries: p.primaries.Len(),
	}
}

func (p *Pool) connect(ctx context.Context, id pix.ImageID, layout *Layout) (*Handle, error) {
	session, err := p.connector.Connect(ctx, id)
	if err != nil {
		if !errors.Is(err, pix.ErrConnection) {
			err = fmt.Errorf("%w: image %d: %v", pix.ErrConnection, id, err)
		}
		return nil, err
	}
	p.opened.Add(1)
	pix.Debugf("opened session for image %d\n", id)
	return newHandle(id, session, layout, p.handleClosed), nil
}

func (p *Pool) handleClosed(pix.ImageID) {
	p.closed.Add(1)
}

// drain closes handles evicted from the primary cache.  It must be called without p.mu.
func (p *Pool) drain(evicted []*Handle) {
	for _, h := range evicted {
		h.Close()
	}
}

func (p *Pool) takeEvicted() []*Handle {
	evicted := p.evicted
	p.evicted = nil
	return evicted
}

// AcquireForWorker returns the worker's handle onto the layout's image, closing the
// worker's handle onto any other image before connecting a new one.
func (p *Pool) AcquireForWorker(ctx context.Context, w *Worker, layout *Layout) (*Handle, error) {
	if w.released.Load() {
		return nil, fmt.Errorf("worker %s released: %w", w.id, pix.ErrHandleClosed)
	}
	id := layout.ImageID

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, fmt.Errorf("handle pool closed: %w", pix.ErrHandleClosed)
	}
	s := p.slots[w.id]
	if s == nil {
		s = &slot{lastUsed: time.Now()}
		p.slots[w.id] = s
	}
	if h := s.handle; h != nil && h.id == id && !h.Closed() {
		s.lastUsed = time.Now()
		p.mu.Unlock()
		return h, nil
	}
	old := s.handle
	s.handle = nil
	epoch := p.released[id]
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	h, err := p.connect(ctx, id, layout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.shutdown || w.released.Load() {
		p.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("worker %s released while connecting: %w", w.id, pix.ErrHandleClosed)
	}
	if p.released[id] != epoch {
		p.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("image %d released while connecting: %w", id, pix.ErrHandleClosed)
	}
	s = p.slots[w.id]
	if s == nil {
		s = &slot{}
		p.slots[w.id] = s
	}
	s.handle = h
	s.lastUsed = time.Now()
	p.mu.Unlock()
	return h, nil
}

// AcquirePrimary returns the shared metadata handle for an image.  Callers must
// use it through Begin/End or LoadLayout.
func (p *Pool) AcquirePrimary(ctx context.Context, id pix.ImageID) (*Handle, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, fmt.Errorf("handle pool closed: %w", pix.ErrHandleClosed)
	}
	if p.released[id] != epoch {
		p.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("image %d released while connecting: %w", id, pix.ErrHandleClosed)
	}
	if v, found := p.primaries.Get(id); found {
		if h := v.(*Handle); !h.Closed() {
			p.mu.Unlock()
			return h, nil
		}
		p.primaries.Remove(id)
	}
	epoch := p.released[id]
	evicted := p.takeEvicted()
	p.mu.Unlock()
	p.drain(evicted)

	h, err := p.connect(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("handle pool closed: %w", pix.ErrHandleClosed)
	}
	if v, found := p.primaries.Get(id); found {
		if other := v.(*Handle); !other.Closed() {
			p.mu.Unlock()
			h.Close()
			return other, nil
		}
	}
	p.primaries.Add(id, h)
	evicted = p.takeEvicted()
	p.mu.Unlock()
	p.drain(evicted)
	return h, nil
}

// Discard closes a failed handle and makes sure it is never handed out again.
func (p *Pool) Discard(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	for _, s := range p.slots {
		if s.handle == h {
			s.handle = nil
		}
	}
	if v, found := p.primaries.Get(h.id); found && v.(*Handle) == h {
		p.primaries.Remove(h.id)
	}
	evicted := p.takeEvicted()
	p.mu.Unlock()
	p.drain(evicted)
	h.Close()
}

// ReleaseImage closes every worker and primary handle targeting the image.  Handles
// still connecting when it is called are closed instead of being handed out.
func (p *Pool) ReleaseImage(id pix.ImageID) {
	var handles []*Handle
	p.mu.Lock()
	p.released[id]++
	for _, s := range p.slots {
		if s.handle != nil && s.handle.id == id {
			handles = append(handles, s.handle)
			s.handle = nil
		}
	}
	p.primaries.Remove(id)
	handles = append(handles, p.takeEvicted()...)
	p.mu.Unlock()
	p.drain(handles)
	if len(handles) != 0 {
		pix.Debugf("released %d handles for image %d\n", len(handles), id)
	}
}

func (p *Pool) releaseWorker(id string) {
	p.mu.Lock()
	s := p.slots[id]
	delete(p.slots, id)
	p.mu.Unlock()
	if s != nil && s.handle != nil {
		s.handle.Close()
	}
}

// reap closes handles of workers whose context is done or which have been idle too long.
func (p *Pool) reap(now time.Time) int {
	var handles []*Handle
	p.mu.Lock()
	for id, s := range p.slots {
		var done bool
		select {
		case <-s.done:
			done = true
		default:
		}
		switch {
		case done:
			delete(p.slots, id)
			if s.handle != nil {
				handles = append(handles, s.handle)
			}
		case s.handle != nil && p.config.MaxIdle > 0 && now.Sub(s.lastUsed) > p.config.MaxIdle:
			handles = append(handles, s.handle)
			s.handle = nil
		}
	}
	p.mu.Unlock()
	p.drain(handles)
	return len(handles)
}

func (p *Pool) reaper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			if n := p.reap(now); n > 0 {
				pix.Debugf("reaped %d idle or orphaned handles\n", n)
			}
		}
	}
}

// Close stops the reaper and closes every handle.  Later acquisitions fail.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()

	var handles []*Handle
	p.mu.Lock()
	p.shutdown = true
	for id, s := range p.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		delete(p.slots, id)
	}
	p.primaries.Clear()
	handles = append(handles, p.takeEvicted()...)
	p.mu.Unlock()
	p.drain(handles)
}
