package pixelstore

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/remotetiles/pix"
)

// DefaultTileSize is used when the server does not report a preferred tile size.
const DefaultTileSize = 512

// Layout is the immutable description of one image's pixels: resolution levels,
// encoding, channel plan and byte order.  It is loaded once per image and shared
// by every handle onto that image.
type Layout struct {
	ImageID    pix.ImageID
	Info       pix.PixelsInfo
	Levels     *pix.Levels
	Type       pix.PixelType
	ByteOrder  binary.ByteOrder
	Channels   pix.ChannelPlan
	TileWidth  int
	TileHeight int

	// Diagnostics records recoverable metadata problems, e.g., excluded levels.
	Diagnostics []error
}

// loadLayout performs the metadata round trip on an open session.
func loadLayout(s Session, id pix.ImageID, order pix.LevelOrder) (*Layout, error) {
	info, err := s.PixelsInfo()
	if err != nil {
		return nil, err
	}
	layout := &Layout{
		ImageID: id,
		Info:    info,
	}

	layout.Type, err = pix.ParsePixelType(info.PixelType)
	if err != nil {
		layout.Diagnostics = append(layout.Diagnostics, err)
	} else if !layout.Type.Supported() {
		layout.Diagnostics = append(layout.Diagnostics,
			fmt.Errorf("%w: %s samples cannot be decoded", pix.ErrUnsupportedEncoding, layout.Type))
	}
	if layout.ByteOrder, err = pix.ParseByteOrder(info.ByteOrder); err != nil {
		return nil, err
	}
	if layout.Channels, err = pix.NewChannelPlan(info.Channels, info.SizeC, layout.Type); err != nil {
		return nil, err
	}
	if info.SizeZ <= 0 || info.SizeT <= 0 {
		return nil, fmt.Errorf("%w: image %d reports %d z-slices and %d timepoints",
			pix.ErrCorruptMetadata, id, info.SizeZ, info.SizeT)
	}

	numLevels, err := s.ResolutionLevels()
	if err != nil {
		return nil, err
	}
	descs, err := s.ResolutionDescriptions()
	if err != nil {
		return nil, err
	}
	if numLevels != len(descs) {
		layout.Diagnostics = append(layout.Diagnostics, fmt.Errorf("%w: %d resolution levels but %d descriptions",
			pix.ErrCorruptMetadata, numLevels, len(descs)))
	}
	levels, diags, err := pix.NewLevels(descs, order, info.SizeX, info.SizeY)
	layout.Diagnostics = append(layout.Diagnostics, diags...)
	if err != nil {
		return nil, err
	}
	layout.Levels = levels

	layout.TileWidth, layout.TileHeight, err = s.TileSize()
	if err != nil {
		return nil, err
	}
	if layout.TileWidth <= 0 || layout.TileHeight <= 0 {
		layout.Diagnostics = append(layout.Diagnostics, fmt.Errorf("%w: tile size %dx%d, using %d",
			pix.ErrCorruptMetadata, layout.TileWidth, layout.TileHeight, DefaultTileSize))
		layout.TileWidth = min(DefaultTileSize, info.SizeX)
		layout.TileHeight = min(DefaultTileSize, info.SizeY)
	}
	return layout, nil
}

// CheckPlane returns ErrInvalidPlane if z, t or channel c is out of range.
func (l *Layout) CheckPlane(z, t, c int) error {
	if z < 0 || z >= l.Info.SizeZ {
		return fmt.Errorf("%w: z=%d not in [0,%d)", pix.ErrInvalidPlane, z, l.Info.SizeZ)
	}
	if t < 0 || t >= l.Info.SizeT {
		return fmt.Errorf("%w: t=%d not in [0,%d)", pix.ErrInvalidPlane, t, l.Info.SizeT)
	}
	if c < 0 || c >= len(l.Channels) {
		return fmt.Errorf("%w: channel %d not in [0,%d)", pix.ErrInvalidPlane, c, len(l.Channels))
	}
	return nil
}
