/*
	This file implements pixel-store sessions over gorpc.
*/

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
	"github.com/valyala/gorpc"
)

// DefaultCallTimeout bounds each remote call when no deadline is given.
const DefaultCallTimeout = 30 * time.Second

// Session is a remote pixel-store session onto one image.  It implements
// pixelstore.Session.
type Session struct {
	c       *gorpc.Client
	dc      *gorpc.DispatcherClient
	id      SessionID
	addr    string
	image   pix.ImageID
	timeout time.Duration
	version semver.Version

	closeOnce sync.Once
	closeErr  error
}

// NewSession connects to the pixel store at addr and opens a session onto the image.
// If minVersion is non-empty, servers with an older protocol are rejected.
func NewSession(ctx context.Context, addr string, id pix.ImageID, timeout time.Duration, minVersion string) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := gorpc.NewTCPClient(addr)
	c.RequestTimeout = timeout
	c.Start()
	dc := clientDispatcher.NewFuncClient(c)
	if dc == nil {
		c.Stop()
		return nil, fmt.Errorf("%w: can't create dispatcher client for %s", pix.ErrConnection, addr)
	}

	s := &Session{c: c, dc: dc, addr: addr, image: id, timeout: timeout}
	resp, err := s.callContext(ctx, sendNewSession, OpenRequest{Image: id, ClientVersion: ProtocolVersion})
	if err != nil {
		c.Stop()
		return nil, err
	}
	open, ok := resp.(OpenResponse)
	if !ok {
		c.Stop()
		return nil, fmt.Errorf("%w: remote server returned %v instead of session id", pix.ErrConnection, resp)
	}
	s.id = open.Session
	if s.version, err = semver.Make(open.ServerVersion); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: bad server version %q: %v", pix.ErrConnection, open.ServerVersion, err)
	}
	if minVersion != "" {
		required, err := semver.Make(minVersion)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("bad minimum server version %q: %v", minVersion, err)
		}
		if s.version.LT(required) {
			s.Close()
			return nil, fmt.Errorf("%w: server %s has version %s, need %s", pix.ErrConnection, addr, s.version, required)
		}
	}
	pix.Debugf("opened remote session %d on image %d @ %s (server %s)\n", s.id, id, addr, s.version)
	return s, nil
}

func (s *Session) ID() SessionID {
	return s.id
}

// ServerVersion returns the protocol version reported by the server.
func (s *Session) ServerVersion() semver.Version {
	return s.version
}

func (s *Session) String() string {
	return fmt.Sprintf("session %d on image %d @ %s", s.id, s.image, s.addr)
}

// callContext bounds a call by the session timeout and any ctx deadline.
func (s *Session) callContext(ctx context.Context, name string, req interface{}) (interface{}, error) {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s to %s", pix.ErrFetchTimeout, name, s.addr)
	}
	resp, err := s.dc.CallTimeout(name, req, timeout)
	if err != nil {
		return nil, s.wrapError(name, err)
	}
	return resp, nil
}

func (s *Session) call(name string, req interface{}) (interface{}, error) {
	return s.callContext(context.Background(), name, req)
}

// wrapError marks transport failures as connection errors.
func (s *Session) wrapError(name string, err error) error {
	var ce *gorpc.ClientError
	if errors.As(err, &ce) {
		switch {
		case ce.Timeout:
			return fmt.Errorf("%w: %s to %s: %v", pix.ErrFetchTimeout, name, s.addr, err)
		case ce.Connection, ce.Overflow:
			return fmt.Errorf("%w: %s to %s: %v", pix.ErrConnection, name, s.addr, err)
		}
	}
	return fmt.Errorf("remote %s on image %d: %v", name, s.image, err)
}

func (s *Session) PixelsInfo() (pix.PixelsInfo, error) {
	resp, err := s.call(sendPixelsInfo, s.id)
	if err != nil {
		return pix.PixelsInfo{}, err
	}
	info, ok := resp.(pix.PixelsInfo)
	if !ok {
		return pix.PixelsInfo{}, fmt.Errorf("%w: pixels info response %T", pix.ErrCorruptMetadata, resp)
	}
	return info, nil
}

func (s *Session) ResolutionLevels() (int, error) {
	resp, err := s.call(sendLevels, s.id)
	if err != nil {
		return 0, err
	}
	n, ok := resp.(int)
	if !ok {
		return 0, fmt.Errorf("%w: resolution levels response %T", pix.ErrCorruptMetadata, resp)
	}
	return n, nil
}

func (s *Session) ResolutionDescriptions() ([]pix.LevelSize, error) {
	resp, err := s.call(sendDescriptions, s.id)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	descs, ok := resp.([]pix.LevelSize)
	if !ok {
		return nil, fmt.Errorf("%w: resolution descriptions response %T", pix.ErrCorruptMetadata, resp)
	}
	return descs, nil
}

func (s *Session) TileSize() (int, int, error) {
	resp, err := s.call(sendTileSize, s.id)
	if err != nil {
		return 0, 0, err
	}
	size, ok := resp.(TileSize)
	if !ok {
		return 0, 0, fmt.Errorf("%w: tile size response %T", pix.ErrCorruptMetadata, resp)
	}
	return size.Width, size.Height, nil
}

func (s *Session) SetResolutionLevel(index int) error {
	_, err := s.call(sendSetLevel, LevelRequest{Session: s.id, Index: index})
	return err
}

func (s *Session) GetTile(z, c, t, x, y, w, h int) ([]byte, error) {
	resp, err := s.call(sendGetTile, TileRequest{Session: s.id, Z: z, C: c, T: t, X: x, Y: y, W: w, H: h})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	data, ok := resp.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: tile response %T", pix.ErrCorruptTile, resp)
	}
	return data, nil
}

// Close ends the remote session and stops the client.  It may be called while
// another call is in flight, which then fails.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_, s.closeErr = s.dc.CallTimeout(sendEndSession, s.id, min(s.timeout, 5*time.Second))
		s.c.Stop()
	})
	return s.closeErr
}

// Connector opens remote sessions on one pixel store.
type Connector struct {
	Addr       string
	Timeout    time.Duration
	MinVersion string
}

func (rc Connector) Connect(ctx context.Context, id pix.ImageID) (pixelstore.Session, error) {
	s, err := NewSession(ctx, rc.Addr, id, rc.Timeout, rc.MinVersion)
	if err != nil {
		return nil, err
	}
	return s, nil
}
