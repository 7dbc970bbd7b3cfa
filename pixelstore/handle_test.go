package pixelstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janelia-flyem/remotetiles/pix"
)

func TestLoadLayout(t *testing.T) {
	fc := newFakeConnector(7)
	layout := fc.layout(7)
	if layout.Levels.Len() != 3 {
		t.Fatalf("expected 3 levels, got %d\n", layout.Levels.Len())
	}
	if layout.Levels.Order() != pix.SmallestFirst {
		t.Errorf("expected smallest-first order to be detected, got %s\n", layout.Levels.Order())
	}
	if layout.Type != pix.Uint16 {
		t.Errorf("expected uint16 samples, got %s\n", layout.Type)
	}
	if len(layout.Channels) != 2 || layout.Channels.MergedRGB() {
		t.Errorf("bad channel plan: %v\n", layout.Channels)
	}
	if layout.TileWidth != 256 || layout.TileHeight != 256 {
		t.Errorf("bad tile size %dx%d\n", layout.TileWidth, layout.TileHeight)
	}
	if err := layout.CheckPlane(2, 0, 0); !errors.Is(err, pix.ErrInvalidPlane) {
		t.Errorf("expected invalid plane for z=2, got %v\n", err)
	}
}

func TestLoadLayoutUnknownType(t *testing.T) {
	fc := newFakeConnector(1)
	fc.images[1].info.PixelType = "complex"
	s := &fakeSession{id: 1, img: fc.images[1], closed: make(chan struct{})}
	layout, err := loadLayout(s, 1, pix.AutoOrder)
	if err != nil {
		t.Fatalf("unknown pixel type should only be flagged: %v\n", err)
	}
	if layout.Type.Supported() {
		t.Errorf("expected unsupported pixel type\n")
	}
	if len(layout.Diagnostics) == 0 || !errors.Is(layout.Diagnostics[0], pix.ErrUnsupportedEncoding) {
		t.Errorf("expected unsupported encoding diagnostic, got %v\n", layout.Diagnostics)
	}
}

func TestSetLevelSkipsUnchanged(t *testing.T) {
	fc := newFakeConnector(1)
	s, _ := fc.Connect(context.Background(), 1)
	h := newHandle(1, s, fc.layout(1), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.ReadRegion(ctx, 2, 0, 0, pix.Rect{Width: 64, Height: 64}, nil); err != nil {
			t.Fatalf("read failed: %v\n", err)
		}
	}
	fs := s.(*fakeSession)
	if fs.setCalls != 1 {
		t.Errorf("expected 1 remote level change, got %d\n", fs.setCalls)
	}
	if fs.level != 0 {
		t.Errorf("caller level 2 should be server index 0, got %d\n", fs.level)
	}
	if fs.tileCalls != 6 {
		t.Errorf("expected 6 tile calls for 3 reads of 2 channels, got %d\n", fs.tileCalls)
	}

	tx, err := h.Begin()
	if err != nil {
		t.Fatalf("begin: %v\n", err)
	}
	defer tx.End()
	if err := tx.SetLevel(ctx, 3); !errors.Is(err, pix.ErrInvalidLevel) {
		t.Errorf("expected invalid level, got %v\n", err)
	}
	if _, err := tx.FetchChannelBytes(ctx, 0, 0, 0, 0, 0, 10, 0); !errors.Is(err, pix.ErrEmptyRegion) {
		t.Errorf("expected empty region, got %v\n", err)
	}
	if _, err := tx.FetchChannelBytes(ctx, 0, 0, 0, 0, 10, 10, 5); !errors.Is(err, pix.ErrInvalidPlane) {
		t.Errorf("expected invalid plane, got %v\n", err)
	}
}

func TestReadRegionChannels(t *testing.T) {
	fc := newFakeConnector(1)
	s, _ := fc.Connect(context.Background(), 1)
	h := newHandle(1, s, fc.layout(1), nil)
	planes, err := h.ReadRegion(context.Background(), 0, 1, 0, pix.Rect{X: 10, Y: 10, Width: 8, Height: 4}, []int{1})
	if err != nil {
		t.Fatalf("read failed: %v\n", err)
	}
	if len(planes) != 1 || len(planes[0]) != 64 {
		t.Fatalf("expected one 64-byte plane, got %d planes\n", len(planes))
	}
	if planes[0][0] != 1 {
		t.Errorf("expected channel 1 data, got %d\n", planes[0][0])
	}
}

func TestHandleCloseIdempotent(t *testing.T) {
	fc := newFakeConnector(1)
	s, _ := fc.Connect(context.Background(), 1)
	var closes int
	h := newHandle(1, s, fc.layout(1), func(pix.ImageID) { closes++ })
	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Errorf("close %d: %v\n", i, err)
		}
	}
	if closes != 1 {
		t.Errorf("expected session closed once, got %d\n", closes)
	}
	if !h.Closed() {
		t.Errorf("handle should report closed\n")
	}
	if _, err := h.Begin(); !errors.Is(err, pix.ErrHandleClosed) {
		t.Errorf("expected closed handle error, got %v\n", err)
	}
	_, err := h.ReadRegion(context.Background(), 0, 0, 0, pix.Rect{Width: 4, Height: 4}, nil)
	if !errors.Is(err, pix.ErrHandleClosed) {
		t.Errorf("expected closed handle error, got %v\n", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	fc := newFakeConnector(1)
	fc.block = make(chan struct{})
	defer close(fc.block)

	s, _ := fc.Connect(context.Background(), 1)
	h := newHandle(1, s, fc.layout(1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ReadRegion(ctx, 0, 0, 0, pix.Rect{Width: 16, Height: 16}, nil)
	if !errors.Is(err, pix.ErrFetchTimeout) {
		t.Fatalf("expected fetch timeout, got %v\n", err)
	}
	if !errors.Is(err, pix.ErrConnection) {
		t.Errorf("fetch timeout should be a connection error: %v\n", err)
	}
	if !h.Closed() {
		t.Errorf("handle should be unusable after a timeout\n")
	}
	select {
	case <-s.(*fakeSession).closed:
	case <-time.After(time.Second):
		t.Errorf("session was not closed after timeout\n")
	}
}
