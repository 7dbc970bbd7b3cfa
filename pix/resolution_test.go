package pix

import (
	"errors"
	"math"
	"testing"
)

var smallestFirst = []LevelSize{
	{SizeX: 1024, SizeY: 1024},
	{SizeX: 2048, SizeY: 2048},
	{SizeX: 4096, SizeY: 4096},
}

func TestLevelTranslation(t *testing.T) {
	lv, diags, err := NewLevels(smallestFirst, SmallestFirst, 4096, 4096)
	if err != nil {
		t.Fatalf("unable to build levels: %v\n", err)
	}
	if len(diags) != 0 {
		t.Errorf("expected no diagnostics, got %v\n", diags)
	}
	if lv.Len() != 3 {
		t.Fatalf("expected 3 levels, got %d\n", lv.Len())
	}
	for L := 0; L < lv.Len(); L++ {
		serverIndex, err := lv.ServerIndex(L)
		if err != nil {
			t.Fatalf("level %d: %v\n", L, err)
		}
		if serverIndex != lv.Len()-1-L {
			t.Errorf("level %d mapped to server index %d, expected %d\n", L, serverIndex, lv.Len()-1-L)
		}
		back, err := lv.CallerLevel(serverIndex)
		if err != nil {
			t.Fatalf("server index %d: %v\n", serverIndex, err)
		}
		if back != L {
			t.Errorf("translation not a bijection: %d -> %d -> %d\n", L, serverIndex, back)
		}
	}
	level, _ := lv.Level(1)
	if level.Width != 2048 || level.Downsample != 2 {
		t.Errorf("bad level 1: %+v\n", level)
	}
}

func TestLevelOrderDetection(t *testing.T) {
	lv, _, err := NewLevels(smallestFirst, AutoOrder, 4096, 4096)
	if err != nil {
		t.Fatalf("unable to build levels: %v\n", err)
	}
	if lv.Order() != SmallestFirst {
		t.Errorf("expected smallest-first detection, got %s\n", lv.Order())
	}

	largest := []LevelSize{{SizeX: 800, SizeY: 600}, {SizeX: 400, SizeY: 300}}
	lv, _, err = NewLevels(largest, AutoOrder, 800, 600)
	if err != nil {
		t.Fatalf("unable to build levels: %v\n", err)
	}
	if lv.Order() != LargestFirst {
		t.Errorf("expected largest-first detection, got %s\n", lv.Order())
	}
	if idx, _ := lv.ServerIndex(0); idx != 0 {
		t.Errorf("largest-first level 0 should be server index 0, got %d\n", idx)
	}
}

func TestCorruptLevelsExcluded(t *testing.T) {
	descs := []LevelSize{
		{SizeX: 1000, SizeY: 1000},
		{SizeX: 0, SizeY: 500},     // nonsensical
		{SizeX: 5000, SizeY: 5000}, // larger than the image
		{SizeX: 250, SizeY: 250},
	}
	lv, diags, err := NewLevels(descs, LargestFirst, 1000, 1000)
	if err != nil {
		t.Fatalf("a single bad level should not fail the image: %v\n", err)
	}
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %v\n", diags)
	}
	for _, d := range diags {
		if !errors.Is(d, ErrCorruptMetadata) {
			t.Errorf("diagnostic should be corrupt metadata: %v\n", d)
		}
	}
	if lv.Len() != 2 {
		t.Fatalf("expected 2 usable levels, got %d\n", lv.Len())
	}
	if idx, _ := lv.ServerIndex(1); idx != 3 {
		t.Errorf("usable level 1 should map to server index 3, got %d\n", idx)
	}
	if _, err := lv.CallerLevel(1); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("excluded server index should not translate: %v\n", err)
	}

	_, _, err = NewLevels([]LevelSize{{SizeX: -1, SizeY: 3}}, LargestFirst, 10, 10)
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Errorf("expected corrupt metadata with no usable level, got %v\n", err)
	}
}

func TestClamp(t *testing.T) {
	lv, _, err := NewLevels(smallestFirst, SmallestFirst, 4096, 4096)
	if err != nil {
		t.Fatalf("unable to build levels: %v\n", err)
	}
	r, err := lv.Clamp(0, Rect{X: 4000, Y: 4000, Width: 200, Height: 200})
	if err != nil {
		t.Fatalf("clamp failed: %v\n", err)
	}
	if r.Width != 96 || r.Height != 96 {
		t.Errorf("expected 96x96 clamped tile, got %s\n", r)
	}
	for x := 0; x < 1024; x += 97 {
		r, err := lv.Clamp(2, Rect{X: x, Y: 0, Width: 300, Height: 10})
		if err != nil {
			t.Fatalf("clamp at x=%d failed: %v\n", x, err)
		}
		expected := min(300, 1024-x)
		if r.Width != expected {
			t.Errorf("x=%d: expected width %d, got %d\n", x, expected, r.Width)
		}
	}
	if _, err := lv.Clamp(0, Rect{X: 4096, Y: 0, Width: 10, Height: 10}); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected empty region, got %v\n", err)
	}
	if _, err := lv.Clamp(0, Rect{X: 0, Y: 0, Width: 0, Height: 10}); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected empty region for zero width, got %v\n", err)
	}
	if _, err := lv.Clamp(3, Rect{Width: 1, Height: 1}); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("expected invalid level, got %v\n", err)
	}
}

func TestClampHugeRegions(t *testing.T) {
	lv, _, err := NewLevels([]LevelSize{{SizeX: 100, SizeY: 60}}, LargestFirst, 100, 60)
	if err != nil {
		t.Fatalf("unable to build levels: %v\n", err)
	}
	r, err := lv.Clamp(0, Rect{X: 10, Y: 10, Width: math.MaxInt, Height: 20})
	if err != nil {
		t.Fatalf("clamp failed: %v\n", err)
	}
	if r.X != 10 || r.Width != 90 || r.Height != 20 {
		t.Errorf("expected 90x20 at x=10, got %s\n", r)
	}
	r, err = lv.Clamp(0, Rect{X: math.MinInt, Y: math.MinInt, Width: math.MaxInt, Height: math.MaxInt})
	if err == nil {
		t.Errorf("expected empty region for span ending before origin, got %s\n", r)
	}
	r, err = lv.Clamp(0, Rect{X: -5, Y: 50, Width: math.MaxInt, Height: math.MaxInt})
	if err != nil {
		t.Fatalf("clamp failed: %v\n", err)
	}
	if r.X != 0 || r.Y != 50 || r.Width != 100 || r.Height != 10 {
		t.Errorf("expected 100x10 at (0,50), got %s\n", r)
	}
	if _, err := lv.Clamp(0, Rect{X: math.MaxInt, Y: 0, Width: math.MaxInt, Height: 1}); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected empty region, got %v\n", err)
	}
}
