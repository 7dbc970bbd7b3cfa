/*
	This file maps caller pyramid levels, where level 0 is always the full resolution
	image, onto the resolution index of the remote pixel store, which may count levels
	from the most downsampled image instead.
*/

package pix

import (
	"fmt"
	"strings"
)

// LevelOrder is the counting direction of a server's resolution index.
type LevelOrder uint8

const (
	// AutoOrder determines the direction from the reported level sizes.
	AutoOrder LevelOrder = iota

	// SmallestFirst means server index 0 is the most downsampled level.
	SmallestFirst

	// LargestFirst means server index 0 is the full resolution level.
	LargestFirst
)

func (o LevelOrder) String() string {
	switch o {
	case AutoOrder:
		return "auto"
	case SmallestFirst:
		return "smallest-first"
	case LargestFirst:
		return "largest-first"
	default:
		return fmt.Sprintf("LevelOrder(%d)", uint8(o))
	}
}

// ParseLevelOrder parses "auto", "smallest-first" or "largest-first".
func ParseLevelOrder(s string) (LevelOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AutoOrder, nil
	case "smallest-first", "smallest":
		return SmallestFirst, nil
	case "largest-first", "largest":
		return LargestFirst, nil
	default:
		return AutoOrder, fmt.Errorf("unknown level order %q", s)
	}
}

// ResolutionLevel is one usable level of an image pyramid.
type ResolutionLevel struct {
	Index       int // caller level, 0 is full resolution
	ServerIndex int
	Width       int
	Height      int
	Downsample  float64
}

// Rect is a rectangle in the pixel space of one resolution level.
type Rect struct {
	X, Y          int
	Width, Height int
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d) %dx%d", r.X, r.Y, r.Width, r.Height)
}

// Empty returns true if the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Levels is the immutable resolution index of one image.  It may be shared freely
// across goroutines once built.
type Levels struct {
	levels      []ResolutionLevel
	toCaller    map[int]int
	order       LevelOrder
	serverCount int
}

// NewLevels builds the usable level sequence from the level sizes reported by the
// server, indexed by server index.  Levels with nonsensical sizes are excluded and
// returned as diagnostics wrapping ErrCorruptMetadata.  An error is returned only if
// no usable level remains.
func NewLevels(descs []LevelSize, order LevelOrder, fullWidth, fullHeight int) (*Levels, []error, error) {
	if fullWidth <= 0 || fullHeight <= 0 {
		return nil, nil, fmt.Errorf("%w: image size %dx%d", ErrCorruptMetadata, fullWidth, fullHeight)
	}
	var diagnostics []error
	n := len(descs)
	if n == 0 {
		diagnostics = append(diagnostics, fmt.Errorf("%w: server reported no resolution levels, using full image", ErrCorruptMetadata))
		descs = []LevelSize{{SizeX: fullWidth, SizeY: fullHeight}}
		n = 1
	}
	if order == AutoOrder {
		order = detectOrder(descs)
	}

	lv := &Levels{
		toCaller:    make(map[int]int, n),
		order:       order,
		serverCount: n,
	}
	prevW, prevH := fullWidth, fullHeight
	for i := 0; i < n; i++ {
		serverIndex := i
		if order == SmallestFirst {
			serverIndex = n - 1 - i
		}
		d := descs[serverIndex]
		switch {
		case d.SizeX <= 0 || d.SizeY <= 0:
			diagnostics = append(diagnostics, fmt.Errorf("%w: server level %d has size %dx%d",
				ErrCorruptMetadata, serverIndex, d.SizeX, d.SizeY))
			continue
		case d.SizeX > fullWidth || d.SizeY > fullHeight:
			diagnostics = append(diagnostics, fmt.Errorf("%w: server level %d size %dx%d exceeds image %dx%d",
				ErrCorruptMetadata, serverIndex, d.SizeX, d.SizeY, fullWidth, fullHeight))
			continue
		case d.SizeX > prevW || d.SizeY > prevH:
			diagnostics = append(diagnostics, fmt.Errorf("%w: server level %d size %dx%d larger than more detailed level %dx%d",
				ErrCorruptMetadata, serverIndex, d.SizeX, d.SizeY, prevW, prevH))
			continue
		}
		level := ResolutionLevel{
			Index:       len(lv.levels),
			ServerIndex: serverIndex,
			Width:       d.SizeX,
			Height:      d.SizeY,
			Downsample:  (float64(fullWidth)/float64(d.SizeX) + float64(fullHeight)/float64(d.SizeY)) / 2,
		}
		lv.toCaller[serverIndex] = level.Index
		lv.levels = append(lv.levels, level)
		prevW, prevH = d.SizeX, d.SizeY
	}
	for _, diag := range diagnostics {
		Warningf("Excluding resolution level: %v\n", diag)
	}
	if len(lv.levels) == 0 {
		return nil, diagnostics, fmt.Errorf("%w: none of %d resolution levels is usable", ErrCorruptMetadata, n)
	}
	return lv, diagnostics, nil
}

// detectOrder returns SmallestFirst if the first reported level is smaller than the last.
func detectOrder(descs []LevelSize) LevelOrder {
	first, last := descs[0], descs[len(descs)-1]
	if int64(first.SizeX)*int64(first.SizeY) < int64(last.SizeX)*int64(last.SizeY) {
		return SmallestFirst
	}
	return LargestFirst
}

// Len returns the number of usable levels.
func (lv *Levels) Len() int {
	return len(lv.levels)
}

// Order returns the resolved counting direction of the server.
func (lv *Levels) Order() LevelOrder {
	return lv.order
}

// ServerLevels returns the number of levels the server reported.
func (lv *Levels) ServerLevels() int {
	return lv.serverCount
}

// All returns a copy of the usable levels in caller order.
func (lv *Levels) All() []ResolutionLevel {
	out := make([]ResolutionLevel, len(lv.levels))
	copy(out, lv.levels)
	return out
}

// Level returns the usable level with caller index L.
func (lv *Levels) Level(L int) (ResolutionLevel, error) {
	if L < 0 || L >= len(lv.levels) {
		return ResolutionLevel{}, fmt.Errorf("%w: level %d not in [0,%d)", ErrInvalidLevel, L, len(lv.levels))
	}
	return lv.levels[L], nil
}

// ServerIndex translates caller level L into the server's resolution index.
func (lv *Levels) ServerIndex(L int) (int, error) {
	level, err := lv.Level(L)
	if err != nil {
		return 0, err
	}
	return level.ServerIndex, nil
}

// CallerLevel translates a server resolution index back into a caller level.
func (lv *Levels) CallerLevel(serverIndex int) (int, error) {
	L, found := lv.toCaller[serverIndex]
	if !found {
		return 0, fmt.Errorf("%w: server index %d is not a usable level", ErrInvalidLevel, serverIndex)
	}
	return L, nil
}

// Clamp restricts a rectangle to the bounds of caller level L.  A rectangle that
// collapses to zero area returns ErrEmptyRegion.
func (lv *Levels) Clamp(L int, r Rect) (Rect, error) {
	level, err := lv.Level(L)
	if err != nil {
		return Rect{}, err
	}
	x0, width := clampSpan(r.X, r.Width, level.Width)
	y0, height := clampSpan(r.Y, r.Height, level.Height)
	clamped := Rect{X: x0, Y: y0, Width: width, Height: height}
	if clamped.Empty() {
		return Rect{}, fmt.Errorf("%w: %s outside level %d (%dx%d)", ErrEmptyRegion, r, L, level.Width, level.Height)
	}
	return clamped, nil
}

// clampSpan restricts [start, start+length) to [0, limit) without overflowing
// for any start or length.
func clampSpan(start, length, limit int) (int, int) {
	if length <= 0 || start >= limit {
		return 0, 0
	}
	end := limit
	if start >= 0 {
		if length < limit-start {
			end = start + length
		}
	} else if start+length < limit {
		end = start + length
	}
	begin := max(start, 0)
	if end <= begin {
		return 0, 0
	}
	return begin, end - begin
}
