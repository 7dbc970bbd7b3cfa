/*
	This file implements the pixel-store RPC server using gorpc.
*/

package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blang/semver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/store"
	"github.com/valyala/gorpc"
)

const (
	// The default address for the pixel store.
	DefaultAddress = "localhost:8002"

	// ProtocolVersion is the version of the call surface served here.
	ProtocolVersion = "1.0.0"
)

var (
	ErrServerNotStarted = errors.New("rpc server not started")
	ErrBadSession       = errors.New("bad session id; not found on server")
)

var (
	sendNewSession     = "NewSession"
	sendEndSession     = "EndSession"
	sendPixelsInfo     = "PixelsInfo"
	sendLevels         = "ResolutionLevels"
	sendDescriptions   = "ResolutionDescriptions"
	sendTileSize       = "TileSize"
	sendSetLevel       = "SetResolutionLevel"
	sendGetTile        = "GetTile"
	clientDispatcher   = newService(nil).dispatcher()
	protocolVersion, _ = semver.Make(ProtocolVersion)
)

func init() {
	var s SessionID
	gorpc.RegisterType(s)
	gorpc.RegisterType(OpenRequest{})
	gorpc.RegisterType(OpenResponse{})
	gorpc.RegisterType(LevelRequest{})
	gorpc.RegisterType(TileRequest{})
	gorpc.RegisterType(TileSize{})
	gorpc.RegisterType(pix.PixelsInfo{})
	gorpc.RegisterType([]pix.LevelSize{})
}

// SessionID uniquely identifies a rpc session.
type SessionID uint64

// OpenRequest asks for a new session onto an image.
type OpenRequest struct {
	Image         pix.ImageID
	ClientVersion string
}

// OpenResponse returns the session and the server's protocol version.
type OpenResponse struct {
	Session       SessionID
	ServerVersion string
}

type LevelRequest struct {
	Session SessionID
	Index   int
}

type TileRequest struct {
	Session SessionID
	Z, C, T int
	X, Y    int
	W, H    int
}

type TileSize struct {
	Width, Height int
}

// service holds server-side sessions.  A service with a nil backend is only used
// to build the client dispatcher.
type service struct {
	backend store.Backend

	mu        sync.RWMutex
	sessions  map[SessionID]*store.Session
	sessionID SessionID
}

func newService(backend store.Backend) *service {
	return &service{
		backend:  backend,
		sessions: make(map[SessionID]*store.Session),
	}
}

func (svc *service) dispatcher() *gorpc.Dispatcher {
	d := gorpc.NewDispatcher()
	d.AddFunc(sendNewSession, svc.newSession)
	d.AddFunc(sendEndSession, svc.endSession)
	d.AddFunc(sendPixelsInfo, svc.pixelsInfo)
	d.AddFunc(sendLevels, svc.resolutionLevels)
	d.AddFunc(sendDescriptions, svc.resolutionDescriptions)
	d.AddFunc(sendTileSize, svc.tileSize)
	d.AddFunc(sendSetLevel, svc.setLevel)
	d.AddFunc(sendGetTile, svc.getTile)
	return d
}

func (svc *service) newSession(clientAddr string, req OpenRequest) (OpenResponse, error) {
	if svc.backend == nil {
		return OpenResponse{}, ErrServerNotStarted
	}
	if req.ClientVersion != "" {
		v, err := semver.Make(req.ClientVersion)
		if err != nil {
			return OpenResponse{}, fmt.Errorf("bad client version %q: %v", req.ClientVersion, err)
		}
		if v.Major != protocolVersion.Major {
			return OpenResponse{}, fmt.Errorf("client protocol %s incompatible with server %s", v, protocolVersion)
		}
	}
	img, err := svc.backend.Open(req.Image)
	if err != nil {
		return OpenResponse{}, err
	}
	svc.mu.Lock()
	svc.sessionID++
	sid := svc.sessionID
	svc.sessions[sid] = store.NewSession(img)
	svc.mu.Unlock()

	pix.Debugf("opened session %d on image %d for %s\n", sid, req.Image, clientAddr)
	return OpenResponse{Session: sid, ServerVersion: ProtocolVersion}, nil
}

func (svc *service) endSession(id SessionID) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	session, found := svc.sessions[id]
	if !found {
		return ErrBadSession
	}
	delete(svc.sessions, id)
	return session.Close()
}

func (svc *service) session(id SessionID) (*store.Session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	session, found := svc.sessions[id]
	if !found {
		return nil, ErrBadSession
	}
	return session, nil
}

func (svc *service) pixelsInfo(id SessionID) (pix.PixelsInfo, error) {
	session, err := svc.session(id)
	if err != nil {
		return pix.PixelsInfo{}, err
	}
	info, err := session.PixelsInfo()
	info.Version = ProtocolVersion
	return info, err
}

func (svc *service) resolutionLevels(id SessionID) (int, error) {
	session, err := svc.session(id)
	if err != nil {
		return 0, err
	}
	return session.ResolutionLevels()
}

func (svc *service) resolutionDescriptions(id SessionID) ([]pix.LevelSize, error) {
	session, err := svc.session(id)
	if err != nil {
		return nil, err
	}
	return session.ResolutionDescriptions()
}

func (svc *service) tileSize(id SessionID) (TileSize, error) {
	session, err := svc.session(id)
	if err != nil {
		return TileSize{}, err
	}
	w, h, err := session.TileSize()
	return TileSize{w, h}, err
}

func (svc *service) setLevel(req LevelRequest) error {
	session, err := svc.session(req.Session)
	if err != nil {
		return err
	}
	return session.SetResolutionLevel(req.Index)
}

func (svc *service) getTile(req TileRequest) ([]byte, error) {
	session, err := svc.session(req.Session)
	if err != nil {
		return nil, err
	}
	return session.GetTile(req.Z, req.C, req.T, req.X, req.Y, req.W, req.H)
}

func (svc *service) closeAll() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	n := len(svc.sessions)
	for id, session := range svc.sessions {
		session.Close()
		delete(svc.sessions, id)
	}
	return n
}

// Server serves images from a backend over gorpc.
type Server struct {
	address string
	svc     *service
	srv     *gorpc.Server
}

// NewServer returns a server for the backend at the given address.
func NewServer(address string, backend store.Backend) *Server {
	gorpc.SetErrorLogger(pix.Errorf) // Send gorpc errors to appropriate error log.

	svc := newService(backend)
	return &Server{
		address: address,
		svc:     svc,
		srv:     gorpc.NewTCPServer(address, svc.dispatcher().NewHandlerFunc()),
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("pixel store rpc @ %s", s.address)
}

// Start starts serving in the background.
func (s *Server) Start() error {
	if err := s.srv.Start(); err != nil {
		return err
	}
	pix.Infof("Started %s\n", s)
	return nil
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	return s.srv.Serve()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.svc.mu.RLock()
	defer s.svc.mu.RUnlock()
	return len(s.svc.sessions)
}

// Stop halts the server and closes every session.
func (s *Server) Stop() {
	s.srv.Stop()
	n := s.svc.closeAll()
	pix.Infof("Halted %s, closed %d sessions.\n", s, n)
}
