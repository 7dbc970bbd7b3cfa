/*
	Package pixelstore manages handles onto remote pixel-store sessions.  A Handle owns one
	session for one image and may only be used by one goroutine at a time; the Pool keeps
	at most one handle per Worker plus a bounded set of shared primary handles used for
	metadata.
*/
package pixelstore

import (
	"context"

	"github.com/janelia-flyem/remotetiles/pix"
)

// Session is an open, authenticated session onto the pixels of one image.  Sessions
// are stateful (the resolution level persists between calls) and not reentrant.
type Session interface {
	PixelsInfo() (pix.PixelsInfo, error)
	ResolutionLevels() (int, error)
	ResolutionDescriptions() ([]pix.LevelSize, error)
	TileSize() (width, height int, err error)
	SetResolutionLevel(index int) error
	GetTile(z, c, t, x, y, w, h int) ([]byte, error)
	Close() error
}

// Connector opens new sessions.  Failures should wrap pix.ErrConnection.
type Connector interface {
	Connect(ctx context.Context, id pix.ImageID) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, id pix.ImageID) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, id pix.ImageID) (Session, error) {
	return f(ctx, id)
}
