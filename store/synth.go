package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/janelia-flyem/remotetiles/pix"
)

// SynthConfig describes a synthetic image pyramid.
type SynthConfig struct {
	Name          string
	Width         int
	Height        int
	SizeZ         int
	SizeC         int
	SizeT         int
	Levels        int
	Type          pix.PixelType
	ByteOrder     binary.ByteOrder
	SmallestFirst bool // server counts levels from the smallest
	TileSize      int
	Channels      []pix.ChannelInfo
}

func (cfg *SynthConfig) setDefaults() {
	if cfg.SizeZ <= 0 {
		cfg.SizeZ = 1
	}
	if cfg.SizeC <= 0 {
		cfg.SizeC = 1
	}
	if cfg.SizeT <= 0 {
		cfg.SizeT = 1
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 1
	}
	if cfg.Type == pix.PixelUnknown {
		cfg.Type = pix.Uint8
	}
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.BigEndian
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("synthetic %dx%d %s", cfg.Width, cfg.Height, cfg.Type)
	}
}

// SyntheticValue is the sample stored at full resolution pixel (x, y) of a synthetic image.
func SyntheticValue(x, y, z, c, t int) float64 {
	return float64((x+2*y)/8 + 40*c + 10*z + 5*t)
}

// Synthesize builds an in-memory pyramid where each level halves the previous one.
func Synthesize(cfg SynthConfig) (*MemImage, error) {
	cfg.setDefaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("bad synthetic image size %dx%d", cfg.Width, cfg.Height)
	}
	if !cfg.Type.Supported() {
		return nil, fmt.Errorf("%w: cannot synthesize %s", pix.ErrUnsupportedEncoding, cfg.Type)
	}

	// sizes[k] is level k in caller order, k = 0 is full resolution.
	sizes := make([]pix.LevelSize, cfg.Levels)
	for k := range sizes {
		scale := 1 << uint(k)
		sizes[k] = pix.LevelSize{
			SizeX: max(1, (cfg.Width+scale-1)/scale),
			SizeY: max(1, (cfg.Height+scale-1)/scale),
		}
	}
	serverIndex := func(k int) int {
		if cfg.SmallestFirst {
			return cfg.Levels - 1 - k
		}
		return k
	}
	levels := make([]pix.LevelSize, cfg.Levels)
	for k, size := range sizes {
		levels[serverIndex(k)] = size
	}

	meta := Meta{
		Info: pix.PixelsInfo{
			Name:      cfg.Name,
			SizeX:     cfg.Width,
			SizeY:     cfg.Height,
			SizeZ:     cfg.SizeZ,
			SizeC:     cfg.SizeC,
			SizeT:     cfg.SizeT,
			PixelType: cfg.Type.String(),
			ByteOrder: pix.ByteOrderName(cfg.ByteOrder),
			Channels:  cfg.Channels,

			PhysicalSizeX: 0.5,
			PhysicalSizeY: 0.5,
			PhysicalSizeZ: 1.0,
			Magnification: 20,
		},
		Levels:     levels,
		TileWidth:  min(cfg.TileSize, cfg.Width),
		TileHeight: min(cfg.TileSize, cfg.Height),
	}
	img := NewMemImage(meta)

	bps := cfg.Type.BytesPerSample()
	for k, size := range sizes {
		scale := 1 << uint(k)
		for z := 0; z < cfg.SizeZ; z++ {
			for t := 0; t < cfg.SizeT; t++ {
				for c := 0; c < cfg.SizeC; c++ {
					plane := make([]byte, size.SizeX*size.SizeY*bps)
					for y := 0; y < size.SizeY; y++ {
						for x := 0; x < size.SizeX; x++ {
							v := SyntheticValue(x*scale, y*scale, z, c, t)
							putSample(plane[(y*size.SizeX+x)*bps:], cfg.Type, cfg.ByteOrder, v)
						}
					}
					if err := img.SetPlane(serverIndex(k), z, c, t, plane); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return img, nil
}

// putSample encodes v, wrapping integers to the sample width.
func putSample(b []byte, t pix.PixelType, order binary.ByteOrder, v float64) {
	switch t {
	case pix.Uint8:
		b[0] = uint8(int64(v))
	case pix.Int16:
		order.PutUint16(b, uint16(int16(int64(v)-500)))
	case pix.Uint16:
		order.PutUint16(b, uint16(int64(v)*16))
	case pix.Int32:
		order.PutUint32(b, uint32(int32(int64(v)*3-1000)))
	case pix.Float32:
		order.PutUint32(b, math.Float32bits(float32(v/10)))
	case pix.Float64:
		order.PutUint64(b, math.Float64bits(v/10))
	}
}
