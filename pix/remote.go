package pix

import (
	"fmt"
	"strconv"
)

// ImageID is an opaque, server-assigned identifier for one image.
type ImageID int64

func (id ImageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseImageID parses the decimal form of an ImageID.
func ParseImageID(s string) (ImageID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad image id %q: %v", s, err)
	}
	return ImageID(n), nil
}

// LevelSize is the reported size of one resolution level.
type LevelSize struct {
	SizeX int
	SizeY int
}

// ChannelInfo is the read-only channel metadata reported by the pixel store.
// Color is 0xRRGGBB; HasColor is false if the server reported no display color.
type ChannelInfo struct {
	Name     string
	Color    uint32
	HasColor bool
}

// PixelsInfo is the image-level metadata reported by the pixel store when a session
// is opened.  Physical sizes are in micrometers and zero if unknown.
type PixelsInfo struct {
	Name      string
	SizeX     int
	SizeY     int
	SizeZ     int
	SizeC     int
	SizeT     int
	PixelType string
	ByteOrder string
	Channels  []ChannelInfo

	PhysicalSizeX float64
	PhysicalSizeY float64
	PhysicalSizeZ float64
	Magnification float64

	// Version is the semantic version of the pixel store.
	Version string
}
