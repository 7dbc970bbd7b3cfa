package imageserver

import (
	"context"

	"github.com/janelia-flyem/remotetiles/decode"
	"github.com/janelia-flyem/remotetiles/pix"
	"golang.org/x/sync/errgroup"
)

// ReadTiles reads many tiles of one image with up to parallel goroutines, each
// confined to its own worker.  Results are in request order.  The first error
// cancels the remaining reads.
func (s *Server) ReadTiles(ctx context.Context, id pix.ImageID, reqs []pix.TileRequest, parallel int) ([]*decode.Tile, error) {
	if parallel <= 0 {
		parallel = 1
	}
	tiles := make([]*decode.Tile, len(reqs))
	next := make(chan int)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(next)
		for i := range reqs {
			select {
			case next <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for n := 0; n < min(parallel, len(reqs)); n++ {
		g.Go(func() error {
			w := s.NewWorker(ctx)
			defer w.Release()
			for i := range next {
				tile, err := s.ReadTile(ctx, w, id, reqs[i])
				if err != nil {
					return err
				}
				tiles[i] = tile
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// TileGrid returns requests covering a whole level in tiles of the image's preferred size.
func TileGrid(meta *Metadata, level, z, t int) ([]pix.TileRequest, error) {
	if level < 0 || level >= len(meta.Levels) {
		return nil, pix.ErrInvalidLevel
	}
	l := meta.Levels[level]
	var reqs []pix.TileRequest
	for y := 0; y < l.Height; y += meta.TileHeight {
		for x := 0; x < l.Width; x += meta.TileWidth {
			reqs = append(reqs, pix.TileRequest{
				Level:  level,
				X:      x,
				Y:      y,
				Width:  meta.TileWidth,
				Height: meta.TileHeight,
				Z:      z,
				T:      t,
			})
		}
	}
	return reqs, nil
}
