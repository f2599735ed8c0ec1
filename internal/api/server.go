package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/newhackerman/tenbin2api/internal/api/handlers"
	"github.com/newhackerman/tenbin2api/internal/api/handlers/management"
	"github.com/newhackerman/tenbin2api/internal/config"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/registry"
	"github.com/newhackerman/tenbin2api/internal/upstream"
	"github.com/newhackerman/tenbin2api/internal/usage"
)

// upstreamAdapter narrows *upstream.Client to the handlers.Upstream
// interface without leaking the concrete session type on error.
type upstreamAdapter struct {
	client *upstream.Client
}

func (a upstreamAdapter) AcquireExecutionToken(ctx context.Context, upstreamModelID, sessionID string) (string, error) {
	return a.client.AcquireExecutionToken(ctx, upstreamModelID, sessionID)
}

func (a upstreamAdapter) OpenStream(ctx context.Context, prompt, sessionID, executionToken string) (handlers.StreamSession, error) {
	sess, err := a.client.OpenStream(ctx, prompt, sessionID, executionToken)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Server wires middleware, handlers, and the HTTP listener together.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	srv    *http.Server
}

// New builds the server with its full route table.
func New(cfg *config.Config, reg *registry.Registry, up *upstream.Client, tracker *usage.Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(log.GinLogrusLogger())
	engine.Use(log.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		cfg:    cfg,
		engine: engine,
	}

	h := handlers.New(cfg, reg, upstreamAdapter{up}, tracker)
	mgmt := management.New(cfg, reg.Reload)
	auth := clientAuthMiddleware(reg)

	engine.GET("/models", h.ListModels)
	engine.GET("/debug", h.Debug)

	v1 := engine.Group("/v1", auth)
	v1.GET("/models", h.ListModels)
	v1.POST("/chat/completions", h.ChatCompletions)

	engine.GET("/stats", auth, h.Stats)

	cfgGroup := engine.Group("/config")
	cfgGroup.GET("", mgmt.GetConfig)
	cfgGroup.POST("", mgmt.UpdateConfig)
	cfgGroup.GET("/sessions", mgmt.GetSessions)
	cfgGroup.POST("/sessions", mgmt.UpdateSession)
	cfgGroup.GET("/tenbin", mgmt.GetCredentials)
	cfgGroup.POST("/tenbin", mgmt.SaveCredential)

	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("HTTP server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
