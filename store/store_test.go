package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/twinj/uuid"
)

func synthOrFail(t *testing.T, cfg SynthConfig) *MemImage {
	img, err := Synthesize(cfg)
	if err != nil {
		t.Fatalf("unable to synthesize image: %v\n", err)
	}
	return img
}

func TestSynthesizeLevels(t *testing.T) {
	img := synthOrFail(t, SynthConfig{Width: 100, Height: 60, Levels: 3, SmallestFirst: true})
	meta := img.Meta()
	expected := []pix.LevelSize{{SizeX: 25, SizeY: 15}, {SizeX: 50, SizeY: 30}, {SizeX: 100, SizeY: 60}}
	if !reflect.DeepEqual(meta.Levels, expected) {
		t.Errorf("expected levels %v, got %v\n", expected, meta.Levels)
	}
	if meta.FullLevel() != 2 {
		t.Errorf("expected full level at server index 2, got %d\n", meta.FullLevel())
	}
	if meta.Info.PixelType != "uint8" || meta.Info.ByteOrder != "big" {
		t.Errorf("bad synthetic info: %+v\n", meta.Info)
	}

	// Level 1 in caller terms (server index 1) samples every other pixel.
	plane, err := img.Plane(1, 0, 0, 0, pix.Rect{X: 3, Y: 2, Width: 2, Height: 1})
	if err != nil {
		t.Fatalf("plane: %v\n", err)
	}
	for i, x := range []int{3, 4} {
		want := uint8(SyntheticValue(2*x, 4, 0, 0, 0))
		if plane[i] != want {
			t.Errorf("sample %d: expected %d, got %d\n", i, want, plane[i])
		}
	}
}

func TestSynthesizeUint16(t *testing.T) {
	img := synthOrFail(t, SynthConfig{Width: 16, Height: 16, SizeC: 2, Type: pix.Uint16, ByteOrder: binary.LittleEndian})
	plane, err := img.Plane(0, 0, 1, 0, pix.Rect{X: 8, Y: 1, Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("plane: %v\n", err)
	}
	want := uint16(int64(SyntheticValue(8, 1, 0, 1, 0)) * 16)
	if got := binary.LittleEndian.Uint16(plane); got != want {
		t.Errorf("expected %d, got %d\n", want, got)
	}
}

func TestPlaneBounds(t *testing.T) {
	img := synthOrFail(t, SynthConfig{Width: 32, Height: 32, Levels: 2})
	if _, err := img.Plane(1, 0, 0, 0, pix.Rect{X: 10, Y: 10, Width: 8, Height: 8}); !errors.Is(err, pix.ErrEmptyRegion) {
		t.Errorf("expected out of bounds error for 16x16 level, got %v\n", err)
	}
	if _, err := img.Plane(2, 0, 0, 0, pix.Rect{Width: 1, Height: 1}); !errors.Is(err, pix.ErrInvalidLevel) {
		t.Errorf("expected invalid level, got %v\n", err)
	}
	if _, err := img.Plane(0, 1, 0, 0, pix.Rect{Width: 1, Height: 1}); !errors.Is(err, pix.ErrInvalidPlane) {
		t.Errorf("expected invalid plane, got %v\n", err)
	}
	if _, err := img.Plane(0, 0, 0, 0, pix.Rect{X: 10, Y: 10, Width: math.MaxInt, Height: 4}); !errors.Is(err, pix.ErrEmptyRegion) {
		t.Errorf("expected out of bounds error for huge width, got %v\n", err)
	}
}

func TestSession(t *testing.T) {
	mem := NewMemory()
	mem.Put(5, synthOrFail(t, SynthConfig{Width: 64, Height: 64, Levels: 2, SmallestFirst: true}))

	if _, err := (LocalConnector{mem}).Connect(context.Background(), 6); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected missing image, got %v\n", err)
	}
	s, err := LocalConnector{mem}.Connect(context.Background(), 5)
	if err != nil {
		t.Fatalf("connect: %v\n", err)
	}
	session := s.(*Session)
	if session.Level() != 1 {
		t.Errorf("session should start at full resolution, got level %d\n", session.Level())
	}
	n, _ := s.ResolutionLevels()
	if n != 2 {
		t.Errorf("expected 2 levels, got %d\n", n)
	}
	if err := s.SetResolutionLevel(0); err != nil {
		t.Fatalf("set level: %v\n", err)
	}
	data, err := s.GetTile(0, 0, 0, 0, 0, 32, 32)
	if err != nil {
		t.Fatalf("get tile: %v\n", err)
	}
	if len(data) != 32*32 {
		t.Errorf("expected a 32x32 plane, got %d bytes\n", len(data))
	}
	if _, err := s.GetTile(0, 0, 0, 0, 0, 64, 64); err == nil {
		t.Errorf("expected error reading past the reduced level\n")
	}
	s.Close()
	if _, err := s.GetTile(0, 0, 0, 0, 0, 1, 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected closed session error, got %v\n", err)
	}
}

func TestBadgerRoundTrip(t *testing.T) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("remotetiles-test-badger-%x", uuid.NewV4().Bytes()))
	defer os.RemoveAll(path)

	db, err := OpenBadger(path, false)
	if err != nil {
		t.Fatalf("can't open badger: %v\n", err)
	}
	img := synthOrFail(t, SynthConfig{Width: 40, Height: 30, SizeC: 2, Levels: 2, Type: pix.Int16})
	if err := db.Put(9, img); err != nil {
		t.Fatalf("put: %v\n", err)
	}
	ids, err := db.Images()
	if err != nil || len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected image 9 in store, got %v (%v)\n", ids, err)
	}
	if _, err := db.Open(10); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected missing image, got %v\n", err)
	}
	stored, err := db.Open(9)
	if err != nil {
		t.Fatalf("open: %v\n", err)
	}
	if !reflect.DeepEqual(stored.Meta().Levels, img.Meta().Levels) {
		t.Errorf("levels changed in store: %v\n", stored.Meta().Levels)
	}
	r := pix.Rect{X: 5, Y: 4, Width: 10, Height: 7}
	for level := 0; level < 2; level++ {
		want, _ := img.Plane(level, 0, 1, 0, r)
		got, err := stored.Plane(level, 0, 1, 0, r)
		if err != nil {
			t.Fatalf("stored plane: %v\n", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("level %d plane differs after storage\n", level)
		}
	}
	if err := db.Close(); err != nil {
		t.Errorf("close: %v\n", err)
	}

	db, err = OpenBadger(path, true)
	if err != nil {
		t.Fatalf("reopen read-only: %v\n", err)
	}
	defer db.Close()
	if ids, _ := db.Images(); len(ids) != 1 {
		t.Errorf("expected image to persist, got %v\n", ids)
	}
}
