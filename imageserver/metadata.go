package imageserver

import (
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
)

// State is the lifecycle state of one image.
type State uint8

const (
	Unopened State = iota
	MetadataLoaded
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case MetadataLoaded:
		return "metadata loaded"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metadata is the immutable description of an opened image.
type Metadata struct {
	ID        pix.ImageID
	Name      string
	SizeX     int
	SizeY     int
	SizeZ     int
	SizeC     int
	SizeT     int
	PixelType pix.PixelType
	ByteOrder string
	RGB       bool

	Levels     []pix.ResolutionLevel
	LevelOrder string
	Channels   pix.ChannelPlan
	TileWidth  int
	TileHeight int

	PhysicalSizeX float64 `json:",omitempty"`
	PhysicalSizeY float64 `json:",omitempty"`
	PhysicalSizeZ float64 `json:",omitempty"`
	Magnification float64 `json:",omitempty"`

	ServerVersion string   `json:",omitempty"`
	Diagnostics   []string `json:",omitempty"`
}

func newMetadata(layout *pixelstore.Layout) *Metadata {
	info := layout.Info
	meta := &Metadata{
		ID:            layout.ImageID,
		Name:          info.Name,
		SizeX:         info.SizeX,
		SizeY:         info.SizeY,
		SizeZ:         info.SizeZ,
		SizeC:         info.SizeC,
		SizeT:         info.SizeT,
		PixelType:     layout.Type,
		ByteOrder:     pix.ByteOrderName(layout.ByteOrder),
		RGB:           layout.Channels.MergedRGB(),
		Levels:        layout.Levels.All(),
		LevelOrder:    layout.Levels.Order().String(),
		Channels:      layout.Channels,
		TileWidth:     layout.TileWidth,
		TileHeight:    layout.TileHeight,
		PhysicalSizeX: info.PhysicalSizeX,
		PhysicalSizeY: info.PhysicalSizeY,
		PhysicalSizeZ: info.PhysicalSizeZ,
		Magnification: info.Magnification,
		ServerVersion: info.Version,
	}
	for _, err := range layout.Diagnostics {
		meta.Diagnostics = append(meta.Diagnostics, err.Error())
	}
	return meta
}
