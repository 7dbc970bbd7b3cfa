package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/janelia-flyem/remotetiles/decode"
	"github.com/janelia-flyem/remotetiles/imageserver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
	"github.com/rs/cors"
	"github.com/wblakecaldwell/profiler"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
)

// WebAPIPath is the prefix of all HTTP API calls.
const WebAPIPath = "/api/"

// profiler handlers live on http.DefaultServeMux and can only be registered once.
var profilerOnce sync.Once

// Service answers HTTP requests from a fixed set of workers, so every request's remote
// calls go through the handle of the worker serving it.
type Service struct {
	images  *imageserver.Server
	config  *Config
	workers chan *pixelstore.Worker
	mux     *web.Mux
	started time.Time
}

// NewService returns an HTTP service over the image server.
func NewService(images *imageserver.Server, config *Config) *Service {
	s := &Service{
		images:  images,
		config:  config,
		workers: make(chan *pixelstore.Worker, config.Server.Workers),
		started: time.Now(),
	}
	for i := 0; i < config.Server.Workers; i++ {
		s.workers <- images.NewWorker(context.Background())
	}
	s.initRoutes()
	return s
}

func (s *Service) initRoutes() {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	if len(s.config.Server.CorsDomains) != 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.config.Server.CorsDomains,
			AllowedMethods: []string{"GET", "POST"},
		})
		mux.Use(c.Handler)
	}

	mux.Get(WebAPIPath+"image/:id/info", s.infoHandler)
	mux.Get(WebAPIPath+"image/:id/tile/:level/:z/:t/:x/:y/:w/:h", s.tileHandler)
	mux.Post(WebAPIPath+"image/:id/close", s.closeHandler)
	mux.Get(WebAPIPath+"server/stats", s.statsHandler)

	profilerOnce.Do(profiler.AddMemoryProfilingHandlers)
	mux.Handle("/profiler/*", http.DefaultServeMux)
	s.mux = mux
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close releases the service's workers.
func (s *Service) Close() {
	for i := 0; i < cap(s.workers); i++ {
		w := <-s.workers
		w.Release()
	}
}

// acquireWorker waits for a free worker or until the request is cancelled.
func (s *Service) acquireWorker(ctx context.Context) (*pixelstore.Worker, error) {
	select {
	case w := <-s.workers:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BadRequest writes a standard error message to http.ResponseWriter with a 400 status.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	errorResponse(w, r, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	if status >= http.StatusInternalServerError {
		pix.Errorf("%s\n", errorMsg)
	} else {
		pix.Debugf("%s\n", errorMsg)
	}
	http.Error(w, errorMsg, status)
}

// statusOf maps tile access errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pix.ErrInvalidLevel), errors.Is(err, pix.ErrInvalidPlane), errors.Is(err, pix.ErrEmptyRegion):
		return http.StatusBadRequest
	case errors.Is(err, pix.ErrServerClosed):
		return http.StatusGone
	case errors.Is(err, pix.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, pix.ErrUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pix.ErrFetchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pix.ErrConnection), errors.Is(err, pix.ErrCorruptMetadata), errors.Is(err, pix.ErrCorruptTile):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		pix.Errorf("unable to write JSON response: %v\n", err)
	}
}

func imageID(c web.C) (pix.ImageID, error) {
	return pix.ParseImageID(c.URLParams["id"])
}

// infoHandler opens the image if needed and returns its metadata.
func (s *Service) infoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id, err := imageID(c)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	meta, err := s.images.Open(r.Context(), id)
	if err != nil {
		errorResponse(w, r, statusOf(err), err.Error())
		return
	}
	writeJSON(w, meta)
}

func (s *Service) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id, err := imageID(c)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	var coords [7]int
	for i, name := range []string{"level", "z", "t", "x", "y", "w", "h"} {
		if coords[i], err = strconv.Atoi(c.URLParams[name]); err != nil {
			BadRequest(w, r, "bad %s %q in tile request", name, c.URLParams[name])
			return
		}
	}
	req := pix.TileRequest{
		Level:  coords[0],
		Z:      coords[1],
		T:      coords[2],
		X:      coords[3],
		Y:      coords[4],
		Width:  coords[5],
		Height: coords[6],
	}

	if s.images.State(id) == imageserver.Unopened {
		if _, err := s.images.Open(r.Context(), id); err != nil {
			errorResponse(w, r, statusOf(err), err.Error())
			return
		}
	}
	meta, err := s.images.Metadata(id)
	if err != nil {
		errorResponse(w, r, statusOf(err), err.Error())
		return
	}
	channel := -1
	if str := r.URL.Query().Get("channel"); str != "" {
		if channel, err = strconv.Atoi(str); err != nil {
			BadRequest(w, r, "bad channel %q", str)
			return
		}
	} else if !meta.RGB && meta.SizeC > 1 {
		channel = 0
	}

	worker, err := s.acquireWorker(r.Context())
	if err != nil {
		errorResponse(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer func() { s.workers <- worker }()

	timedLog := pix.NewTimeLog()
	var tile *decode.Tile
	if channel >= 0 {
		tile, err = s.images.ReadChannel(r.Context(), worker, id, req, channel)
	} else {
		tile, err = s.images.ReadTile(r.Context(), worker, id, req)
	}
	if err != nil {
		errorResponse(w, r, statusOf(err), err.Error())
		return
	}
	img, err := tile.Image(0)
	if err != nil {
		errorResponse(w, r, statusOf(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		pix.Errorf("unable to encode tile for image %d %s: %v\n", id, req, err)
		return
	}
	timedLog.Debugf("HTTP GET tile image %d %s", id, req)
}

func (s *Service) closeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id, err := imageID(c)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	if err := s.images.Close(id); err != nil {
		errorResponse(w, r, statusOf(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"image": id.String(), "state": s.images.State(id).String()})
}

func (s *Service) statsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	stats := s.images.Stats()
	cache := s.images.CacheStats()
	writeJSON(w, map[string]interface{}{
		"SessionsOpened": stats.Opened,
		"SessionsClosed": stats.Closed,
		"SessionsLive":   stats.Live(),
		"WorkerHandles":  stats.Workers,
		"PrimaryHandles": stats.Primaries,
		"CacheEntries":   cache.Entries,
		"CacheHitRate":   cache.HitRate,
		"MetadataBytes":  s.images.MetadataBytes(),
		"Uptime":         time.Since(s.started).String(),
		"Note":           s.config.Server.Note,
	})
}
