package pix

import "fmt"

// TileRequest asks for one rectangle of a resolution level at a z-slice and timepoint.
// Coordinates are in the pixel space of the requested level.
type TileRequest struct {
	Level  int
	X, Y   int
	Width  int
	Height int
	Z, T   int
}

// Rect returns the requested rectangle.
func (req TileRequest) Rect() Rect {
	return Rect{X: req.X, Y: req.Y, Width: req.Width, Height: req.Height}
}

func (req TileRequest) String() string {
	return fmt.Sprintf("level %d %s z=%d t=%d", req.Level, req.Rect(), req.Z, req.T)
}
