package pixelstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/remotetiles/pix"
)

// Handle is one open session onto one image.  All remote calls go through a Tx,
// so a level change and the fetches that depend on it cannot interleave with
// another goroutine's calls.
type Handle struct {
	id pix.ImageID

	mu      sync.Mutex // owner token
	session Session
	level   int // server resolution index last set, -1 if unknown

	layout    atomic.Pointer[Layout]
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func(pix.ImageID)
}

func newHandle(id pix.ImageID, s Session, layout *Layout, onClose func(pix.ImageID)) *Handle {
	h := &Handle{
		id:      id,
		session: s,
		level:   -1,
		onClose: onClose,
	}
	if layout != nil {
		h.layout.Store(layout)
	}
	return h
}

// ImageID returns the image this handle targets.
func (h *Handle) ImageID() pix.ImageID {
	return h.id
}

// Layout returns the image layout or nil if it hasn't been loaded.
func (h *Handle) Layout() *Layout {
	return h.layout.Load()
}

// Closed returns true once the session has been closed or aborted.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle for image %d", h.id)
}

// Begin waits for exclusive use of the handle.  The returned Tx must be ended.
func (h *Handle) Begin() (*Tx, error) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", h, pix.ErrHandleClosed)
	}
	return &Tx{h: h}, nil
}

// Close waits for any in-progress Tx and then closes the session.  Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeSession()
}

// abort closes the session without waiting for the owner token.  It is used when
// a remote call has timed out and the owning goroutine is still blocked in it.
func (h *Handle) abort() {
	h.closed.Store(true)
	go h.closeSession()
}

func (h *Handle) closeSession() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.session.Close()
		if h.closeErr != nil {
			pix.Warningf("closing session for image %d: %v\n", h.id, h.closeErr)
		} else {
			pix.Debugf("closed session for image %d\n", h.id)
		}
		if h.onClose != nil {
			h.onClose(h.id)
		}
	})
	return h.closeErr
}

// LoadLayout returns the handle's layout, fetching it from the server if necessary.
func (h *Handle) LoadLayout(ctx context.Context, order pix.LevelOrder) (*Layout, error) {
	if layout := h.Layout(); layout != nil {
		return layout, nil
	}
	tx, err := h.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.End()
	if layout := h.Layout(); layout != nil {
		return layout, nil
	}
	var layout *Layout
	err = tx.call(ctx, func() (err error) {
		layout, err = loadLayout(h.session, h.id, order)
		return
	})
	if err != nil {
		return nil, err
	}
	h.layout.Store(layout)
	return layout, nil
}

// ReadRegion sets the level and fetches the given channels of a clamped region
// as one critical section.  If channels is nil, every channel is fetched.
func (h *Handle) ReadRegion(ctx context.Context, level, z, t int, r pix.Rect, channels []int) ([][]byte, error) {
	tx, err := h.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.End()

	if err := tx.SetLevel(ctx, level); err != nil {
		return nil, err
	}
	if channels == nil {
		layout := h.Layout()
		channels = make([]int, len(layout.Channels))
		for c := range channels {
			channels[c] = c
		}
	}
	planes := make([][]byte, len(channels))
	for i, c := range channels {
		if planes[i], err = tx.FetchChannelBytes(ctx, z, t, r.X, r.Y, r.Width, r.Height, c); err != nil {
			return nil, err
		}
	}
	return planes, nil
}

// Tx is exclusive use of a Handle, obtained with Begin and finished with End.
type Tx struct {
	h     *Handle
	ended bool
}

// End releases the handle.  Calling End more than once is a no-op.
func (tx *Tx) End() {
	if tx == nil || tx.ended {
		return
	}
	tx.ended = true
	tx.h.mu.Unlock()
}

func (tx *Tx) check() error {
	if tx.ended {
		return fmt.Errorf("%s: transaction already ended", tx.h)
	}
	if tx.h.closed.Load() {
		return fmt.Errorf("%s: %w", tx.h, pix.ErrHandleClosed)
	}
	return nil
}

// call runs a remote call, aborting the session if ctx expires first.
func (tx *Tx) call(ctx context.Context, f func() error) error {
	if err := tx.check(); err != nil {
		return err
	}
	if ctx == nil || ctx.Done() == nil {
		return f()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", pix.ErrFetchTimeout, err)
	}
	result := make(chan error, 1)
	go func() {
		result <- f()
	}()
	select {
	case err := <-result:
		if err == nil && tx.h.closed.Load() {
			return fmt.Errorf("%s: %w", tx.h, pix.ErrHandleClosed)
		}
		return err
	case <-ctx.Done():
		pix.Warningf("remote call for image %d aborted: %v\n", tx.h.id, ctx.Err())
		tx.h.abort()
		return fmt.Errorf("%w: image %d: %v", pix.ErrFetchTimeout, tx.h.id, ctx.Err())
	}
}

// SetLevel makes level (caller convention, 0 is full resolution) the session's
// current resolution.  The remote call is skipped if the level is unchanged.
func (tx *Tx) SetLevel(ctx context.Context, level int) error {
	layout := tx.h.Layout()
	if layout == nil {
		return fmt.Errorf("%s: layout not loaded: %w", tx.h, pix.ErrNotOpen)
	}
	index, err := layout.Levels.ServerIndex(level)
	if err != nil {
		return err
	}
	if index == tx.h.level {
		return nil
	}
	err = tx.call(ctx, func() error {
		return tx.h.session.SetResolutionLevel(index)
	})
	if err != nil {
		tx.h.level = -1
		return err
	}
	tx.h.level = index
	return nil
}

// FetchChannelBytes returns the raw plane of channel c for the region at the
// current level.
func (tx *Tx) FetchChannelBytes(ctx context.Context, z, t, x, y, w, h, c int) ([]byte, error) {
	if layout := tx.h.Layout(); layout != nil {
		if err := layout.CheckPlane(z, t, c); err != nil {
			return nil, err
		}
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d at (%d,%d)", pix.ErrEmptyRegion, w, h, x, y)
	}
	var data []byte
	err := tx.call(ctx, func() (err error) {
		data, err = tx.h.session.GetTile(z, c, t, x, y, w, h)
		return
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
