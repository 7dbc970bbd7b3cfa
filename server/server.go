package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/janelia-flyem/remotetiles/imageserver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
	"github.com/janelia-flyem/remotetiles/tilecache"
)

// Server is a running tile web server.
type Server struct {
	config  *Config
	images  *imageserver.Server
	service *Service
	http    *http.Server
	done    chan error
}

// NewImages builds a cached image server from the configuration.  If connector is
// nil, the configured remote pixel store is used.
func NewImages(config *Config, connector pixelstore.Connector) *imageserver.Server {
	if connector == nil {
		connector = config.Connector()
	}
	cache := tilecache.New(config.Cache.Megabytes, config.Cache.ExpireSecs)
	return imageserver.New(connector, cache, config.ImageServerConfig())
}

// New builds the image server and HTTP service without starting to listen.
func New(config *Config, connector pixelstore.Connector) *Server {
	images := NewImages(config, connector)
	service := NewService(images, config)
	return &Server{
		config:  config,
		images:  images,
		service: service,
		http: &http.Server{
			Addr:        config.Server.HTTPAddress,
			Handler:     service,
			ReadTimeout: 1 * time.Hour,
		},
		done: make(chan error, 1),
	}
}

// Start listens and serves HTTP requests in the background.
func (s *Server) Start() {
	pix.Infof("Web server listening at %s, %d workers, pixel store @ %s ...\n",
		s.config.Server.HTTPAddress, s.config.Server.Workers, s.config.Remote.RPCAddress)
	go func() {
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
}

// Wait blocks until the web server stops.
func (s *Server) Wait() error {
	return <-s.done
}

// Shutdown stops accepting requests, waits up to the configured delay for requests
// in flight, then closes every image and remote session.
func (s *Server) Shutdown() {
	delay := time.Duration(s.config.Server.ShutdownDelay) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), delay)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		pix.Warningf("web server shutdown: %v\n", err)
	}
	s.service.Close()
	s.images.Shutdown()
}
