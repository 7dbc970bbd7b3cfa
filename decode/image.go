package decode

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/janelia-flyem/remotetiles/pix"
)

// Image returns a standard Go image for one band of the tile, suitable for encoding
// as PNG or JPEG.  8-bit bands become image.Gray, 16-bit unsigned bands image.Gray16,
// packed RGB tiles image.RGBA.  Other types are rescaled to 8-bit using the band's
// min/max.
func (t *Tile) Image(band int) (image.Image, error) {
	if band < 0 || band >= t.Bands() {
		return nil, fmt.Errorf("%w: band %d not in [0,%d)", pix.ErrInvalidPlane, band, t.Bands())
	}
	r := image.Rect(0, 0, t.Width, t.Height)
	if t.RGB {
		img := image.NewRGBA(r)
		for i, p := range t.Packed {
			img.Pix[i*4] = uint8(p >> 16)
			img.Pix[i*4+1] = uint8(p >> 8)
			img.Pix[i*4+2] = uint8(p)
			img.Pix[i*4+3] = 0xFF
		}
		return img, nil
	}
	switch t.Type {
	case pix.Uint8:
		img := image.NewGray(r)
		copy(img.Pix, t.U8[band])
		return img, nil
	case pix.Uint16:
		img := image.NewGray16(r)
		for i, v := range t.U16[band] {
			img.Pix[i*2] = uint8(v >> 8)
			img.Pix[i*2+1] = uint8(v)
		}
		return img, nil
	}
	return t.scaledGray(band), nil
}

// scaledGray renders a band linearly rescaled from its [min, max] range to 8 bits.
func (t *Tile) scaledGray(band int) *image.Gray {
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			v := t.Sample(band, x, y)
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 1
	}
	window := hi - lo
	if window <= 0 || math.IsInf(window, 0) || math.IsNaN(window) {
		window = 1
	}
	img := image.NewGray(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			v := t.Sample(band, x, y)
			if math.IsNaN(v) {
				v = lo
			}
			scaled := 255 * (v - lo) / window
			img.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, scaled)))})
		}
	}
	return img
}
