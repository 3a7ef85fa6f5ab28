// Package shardserver serves model manifests and shard bytes from a models
// directory over HTTP, in the layout storage.HTTPStore reads.
package shardserver

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/storage"
	"github.com/samcharles93/conduit/pkg/manifest"
)

const headerRequestID = "X-Request-Id"

type Options struct {
	Root   string
	Logger logger.Logger
}

type Server struct {
	root    string
	log     logger.Logger
	started time.Time
}

func New(opts Options) *Server {
	return &Server{root: opts.Root, log: logger.OrDiscard(opts.Logger), started: time.Now()}
}

// Echo returns an echo instance with middleware and every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(requestID)
	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:id/manifest", s.handleManifest)
	e.GET("/v1/models/:id/shards/:index", s.handleShard)
	e.GET("/v1/models/:id/verify", s.handleVerify)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string, readTimeout time.Duration) error {
	s.log.Info("starting shard server", "address", addr, "root", s.root)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = readTimeout
			return nil
		},
	}
	return sc.Start(ctx, s.Echo())
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"error": msg})
}

// openError maps store errors onto HTTP statuses.
func openError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidModel):
		return writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return writeError(c, http.StatusNotFound, err.Error())
	}
	return writeError(c, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	ids, err := storage.NewDirStore(s.root).Models()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"models": ids})
}

// open returns a store positioned on the requested model. Stores are per
// request, so handlers never share mapped shards.
func (s *Server) open(c *echo.Context) (*storage.DirStore, error) {
	store := storage.NewDirStore(s.root)
	if err := store.OpenModel(c.Request().Context(), c.Param("id")); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Server) handleManifest(c *echo.Context) error {
	store, err := s.open(c)
	if err != nil {
		return openError(c, err)
	}
	defer func() { _ = store.Close() }()
	raw, err := store.ReadManifest(c.Request().Context())
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Content-Type", "application/json")
	http.ServeContent(c.Response(), c.Request(), manifest.FileName, time.Time{}, bytes.NewReader(raw))
	return nil
}

func (s *Server) handleShard(c *echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid shard index")
	}
	store, err := s.open(c)
	if err != nil {
		return openError(c, err)
	}
	defer func() { _ = store.Close() }()
	path, err := store.ShardPath(index)
	if err != nil {
		return writeError(c, http.StatusNotFound, err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return openError(c, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Content-Type", "application/octet-stream")
	// ServeContent answers Range requests with 206 and the requested bytes
	http.ServeContent(c.Response(), c.Request(), st.Name(), st.ModTime(), f)
	return nil
}

func (s *Server) handleVerify(c *echo.Context) error {
	store, err := s.open(c)
	if err != nil {
		return openError(c, err)
	}
	defer func() { _ = store.Close() }()
	rep, err := store.VerifyIntegrity(c.Request().Context())
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	if !rep.Valid {
		s.log.Warn("model failed verification", "model", c.Param("id"), "missing", rep.Missing, "corrupt", rep.Corrupt)
	}
	return c.JSON(http.StatusOK, rep)
}
