/*
	Package decode turns the raw per-channel byte planes returned by a remote pixel store
	into a typed, banded raster.  Each channel occupies its own band; samples within a
	band are never interleaved with other channels.  Three 8-bit channels carrying the
	canonical red, green and blue colors may instead be packed into one RGB band.
*/
package decode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/janelia-flyem/remotetiles/pix"
)

// Options selects optional processing during decode.
type Options struct {
	// ClipFloats clips floating point samples into [Min, Max].  NaN becomes Min.
	ClipFloats bool
	Min, Max   float64
}

// Tile is a decoded raster.  Exactly one of the band slices is populated depending on
// Type, or Packed if RGB is set.  The caller owns all slices exclusively.
type Tile struct {
	Width    int
	Height   int
	Channels int
	Type     pix.PixelType
	RGB      bool

	U8     [][]uint8
	I16    [][]int16
	U16    [][]uint16
	I32    [][]int32
	F32    [][]float32
	F64    [][]float64
	Packed []uint32 // 0xFFRRGGBB per pixel when RGB is set
}

// Bands returns the number of bands in the raster.
func (t *Tile) Bands() int {
	if t.RGB {
		return 1
	}
	return t.Channels
}

// Sample returns the value at (x, y) of the given band as a float64.  Packed RGB
// tiles return the packed pixel value.
func (t *Tile) Sample(band, x, y int) float64 {
	i := y*t.Width + x
	if t.RGB {
		return float64(t.Packed[i])
	}
	switch t.Type {
	case pix.Uint8:
		return float64(t.U8[band][i])
	case pix.Int16:
		return float64(t.I16[band][i])
	case pix.Uint16:
		return float64(t.U16[band][i])
	case pix.Int32:
		return float64(t.I32[band][i])
	case pix.Float32:
		return float64(t.F32[band][i])
	case pix.Float64:
		return t.F64[band][i]
	}
	return 0
}

// Decode builds a Tile from one byte plane per channel.  The planes must each hold
// width*height samples of the given type in the given byte order.  A plane whose
// length does not match is a corrupt tile and nothing is returned.
func Decode(planes [][]byte, t pix.PixelType, order binary.ByteOrder, width, height, channels int,
	mergeRGB bool, opts Options) (*Tile, error) {

	if !t.Supported() {
		pix.Warningf("Pixel type %s is not supported; tile cannot be decoded\n", t)
		return nil, fmt.Errorf("%w: %s", pix.ErrUnsupportedEncoding, t)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: tile size %dx%d", pix.ErrEmptyRegion, width, height)
	}
	if channels <= 0 || len(planes) != channels {
		return nil, fmt.Errorf("%w: got %d byte planes for %d channels", pix.ErrCorruptTile, len(planes), channels)
	}
	if mergeRGB && (channels != 3 || t != pix.Uint8) {
		return nil, fmt.Errorf("%w: packed RGB requires 3 uint8 channels, got %d %s",
			pix.ErrUnsupportedEncoding, channels, t)
	}
	if order == nil {
		order = binary.BigEndian
	}

	bps := t.BytesPerSample()
	numSamples := width * height
	for c, plane := range planes {
		if len(plane)%bps != 0 {
			return nil, fmt.Errorf("%w: channel %d plane has %d bytes, not a multiple of %d-byte %s samples",
				pix.ErrCorruptTile, c, len(plane), bps, t)
		}
		if len(plane)/bps != numSamples {
			return nil, fmt.Errorf("%w: channel %d plane has %d samples, expected %dx%d = %d",
				pix.ErrCorruptTile, c, len(plane)/bps, width, height, numSamples)
		}
	}

	tile := &Tile{
		Width:    width,
		Height:   height,
		Channels: channels,
		Type:     t,
	}
	if mergeRGB {
		tile.RGB = true
		tile.Packed = packRGB(planes[0], planes[1], planes[2])
		return tile, nil
	}

	// A single channel is a packed single-band raster; several channels decode
	// band by band.
	if channels == 1 {
		tile.setBands(1)
		tile.decodeBand(0, planes[0], order, opts)
		return tile, nil
	}
	tile.setBands(channels)
	for c, plane := range planes {
		tile.decodeBand(c, plane, order, opts)
	}
	return tile, nil
}

func (t *Tile) setBands(n int) {
	switch t.Type {
	case pix.Uint8:
		t.U8 = make([][]uint8, n)
	case pix.Int16:
		t.I16 = make([][]int16, n)
	case pix.Uint16:
		t.U16 = make([][]uint16, n)
	case pix.Int32:
		t.I32 = make([][]int32, n)
	case pix.Float32:
		t.F32 = make([][]float32, n)
	case pix.Float64:
		t.F64 = make([][]float64, n)
	}
}

// decodeBand reads a validated byte plane into band c.
func (t *Tile) decodeBand(c int, plane []byte, order binary.ByteOrder, opts Options) {
	n := t.Width * t.Height
	switch t.Type {
	case pix.Uint8:
		band := make([]uint8, n)
		copy(band, plane)
		t.U8[c] = band
	case pix.Int16:
		band := make([]int16, n)
		for i := range band {
			band[i] = int16(order.Uint16(plane[i*2:]))
		}
		t.I16[c] = band
	case pix.Uint16:
		band := make([]uint16, n)
		for i := range band {
			band[i] = order.Uint16(plane[i*2:])
		}
		t.U16[c] = band
	case pix.Int32:
		band := make([]int32, n)
		for i := range band {
			band[i] = int32(order.Uint32(plane[i*4:]))
		}
		t.I32[c] = band
	case pix.Float32:
		band := make([]float32, n)
		for i := range band {
			v := math.Float32frombits(order.Uint32(plane[i*4:]))
			if opts.ClipFloats {
				v = float32(clip(float64(v), opts.Min, opts.Max))
			}
			band[i] = v
		}
		t.F32[c] = band
	case pix.Float64:
		band := make([]float64, n)
		for i := range band {
			v := math.Float64frombits(order.Uint64(plane[i*8:]))
			if opts.ClipFloats {
				v = clip(v, opts.Min, opts.Max)
			}
			band[i] = v
		}
		t.F64[c] = band
	}
}

func clip(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// packRGB combines three 8-bit planes into opaque 0xFFRRGGBB pixels.
func packRGB(r, g, b []byte) []uint32 {
	packed := make([]uint32, len(r))
	for i := range packed {
		packed[i] = 0xFF000000 | uint32(r[i])<<16 | uint32(g[i])<<8 | uint32(b[i])
	}
	return packed
}
