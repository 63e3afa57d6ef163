// Package server serves the model registry over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/reconciler"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type modelManager interface {
	List(f registry.Filter) []registry.Entry
	Info(key modelkey.Key) (models.Attributes, error)
	Add(key modelkey.Key, attrs models.Attributes, clobber bool) error
	Delete(key modelkey.Key) error
	Convert(ctx context.Context, key modelkey.Key, destDir string) (models.Attributes, error)
	Scan(ctx context.Context, f registry.Filter) (reconciler.Result, error)
	HeuristicImport(ctx context.Context, items []string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error)
}

// Options configures a Server.
type Options struct {
	// Gatherer serves /metrics when it is not nil.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for the given origins.
	AllowedOrigins []string
}

// New returns a new Server.
func New(m modelManager, opts Options, logger logr.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		m:      m,
		opts:   opts,
		logger: logger.WithName("server"),
		ready:  make(chan struct{}),
	}
}

// Server is the HTTP server.
type Server struct {
	m      modelManager
	opts   Options
	logger logr.Logger

	srv   *http.Server
	ready chan struct{}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	if len(s.opts.AllowedOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowWildcard = true
		cc.AllowOrigins = s.opts.AllowedOrigins
		cc.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete}
		cc.AllowHeaders = []string{"Content-Type", "Accept"}
		r.Use(cors.New(cc))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/models", s.listModels)
	v1.GET("/models/:base/:type/:name", s.getModel)
	v1.POST("/models/:base/:type/:name", s.addModel)
	v1.DELETE("/models/:base/:type/:name", s.deleteModel)
	v1.POST("/models/:base/:type/:name/convert", s.convertModel)
	v1.POST("/scan", s.scan)
	v1.POST("/import", s.importModels)
	return r
}

// Start starts an HTTP server listening on the given port.
func (s *Server) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		close(s.ready)
		return err
	}
	return s.start(l)
}

func (s *Server) start(listener net.Listener) error {
	s.srv = &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	close(s.ready)

	s.logger.Info("Starting HTTP server", "addr", s.srv.Addr)
	if err := s.srv.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	s.logger.Info("Stopped HTTP server")
	return nil
}

// Shutdown gracefully stops the server. It waits for Start to be called.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.V(1).Info("Served request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

type modelResponse struct {
	Key        string            `json:"key"`
	Base       modelkind.Base    `json:"base"`
	Type       modelkind.Type    `json:"type"`
	Name       string            `json:"name"`
	Attributes models.Attributes `json:"attributes"`
}

func toModelResponse(key modelkey.Key, attrs models.Attributes) modelResponse {
	return modelResponse{
		Key:        key.String(),
		Base:       key.Base,
		Type:       key.Type,
		Name:       key.Name,
		Attributes: attrs,
	}
}

type listModelsResponse struct {
	Models []modelResponse `json:"models"`
}

type scanResponse struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Marked   int `json:"marked"`
	Imported int `json:"imported"`
}

type importRequest struct {
	Items []string `json:"items"`
	// PredictionType is used for checkpoints that need one.
	PredictionType string `json:"predictionType"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listModels(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := listModelsResponse{Models: []modelResponse{}}
	for _, e := range s.m.List(f) {
		resp.Models = append(resp.Models, toModelResponse(e.Key, e.Config.Attributes()))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getModel(c *gin.Context) {
	key, err := keyFromParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	attrs, err := s.m.Info(key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toModelResponse(key, attrs))
}

func (s *Server) addModel(c *gin.Context) {
	key, err := keyFromParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var attrs models.Attributes
	if err := c.ShouldBindJSON(&attrs); err != nil {
		s.writeError(c, fmt.Errorf("%w: %s", errdefs.ErrInvalidAttributes, err))
		return
	}
	clobber := c.Query("clobber") == "true"
	if err := s.m.Add(key, attrs, clobber); err != nil {
		s.writeError(c, err)
		return
	}
	info, err := s.m.Info(key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toModelResponse(key, info))
}

func (s *Server) deleteModel(c *gin.Context) {
	key, err := keyFromParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.m.Delete(key); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) convertModel(c *gin.Context) {
	key, err := keyFromParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	attrs, err := s.m.Convert(c.Request.Context(), key, c.Query("dest"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toModelResponse(key, attrs))
}

func (s *Server) scan(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.m.Scan(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scanResponse{
		Added:    res.Added,
		Removed:  res.Removed,
		Marked:   res.Marked,
		Imported: res.Imported,
	})
}

func (s *Server) importModels(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "items must be set"})
		return
	}
	var helper models.PredictionHelper
	if req.PredictionType != "" {
		pt, err := models.ParsePredictionType(req.PredictionType)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		helper = func(string) (models.PredictionType, error) { return pt, nil }
	}

	installed, err := s.m.HeuristicImport(c.Request.Context(), req.Items, helper)
	if err != nil && len(installed) == 0 {
		s.writeError(c, err)
		return
	}
	if err != nil {
		s.logger.Error(err, "Some items were not imported")
	}
	resp := listModelsResponse{Models: []modelResponse{}}
	for key, cfg := range installed {
		resp.Models = append(resp.Models, toModelResponse(key, cfg.Attributes()))
	}
	c.JSON(http.StatusOK, resp)
}

func keyFromParams(c *gin.Context) (modelkey.Key, error) {
	return modelkey.Parse(c.Param("base") + "/" + c.Param("type") + "/" + c.Param("name"))
}

func filterFromQuery(c *gin.Context) (registry.Filter, error) {
	var f registry.Filter
	if b := c.Query("base"); b != "" {
		base, err := modelkind.ParseBase(b)
		if err != nil {
			return f, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
		}
		f.Base = base
	}
	if t := c.Query("type"); t != "" {
		typ, err := modelkind.ParseType(t)
		if err != nil {
			return f, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
		}
		f.Type = typ
	}
	f.Name = c.Query("name")
	return f, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(err, "Request failed", "path", c.Request.URL.Path)
	}
	c.JSON(code, errorResponse{Error: err.Error()})
}

// statusCode maps an error to an HTTP status code.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrAlreadyExists), errors.Is(err, errdefs.ErrDuplicateModelKey):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrModelFilesMissing):
		return http.StatusGone
	case errors.Is(err, errdefs.ErrMalformedKey),
		errors.Is(err, errdefs.ErrInvalidAttributes),
		errors.Is(err, errdefs.ErrInvalidSubModel),
		errors.Is(err, errdefs.ErrNotConvertible),
		errors.Is(err, errdefs.ErrUnrecognized):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
