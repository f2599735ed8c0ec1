// Package handlers implements the adapter's HTTP endpoints.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/newhackerman/tenbin2api/internal/config"
	"github.com/newhackerman/tenbin2api/internal/openai"
	"github.com/newhackerman/tenbin2api/internal/registry"
	"github.com/newhackerman/tenbin2api/internal/upstream"
	"github.com/newhackerman/tenbin2api/internal/usage"
)

// StreamSession is one open upstream conversation stream.
type StreamSession interface {
	upstream.FrameSource
	Close()
}

// Upstream is the slice of the upstream client the endpoints need.
type Upstream interface {
	AcquireExecutionToken(ctx context.Context, upstreamModelID, sessionID string) (string, error)
	OpenStream(ctx context.Context, prompt, sessionID, executionToken string) (StreamSession, error)
}

// Handler carries the shared dependencies of all endpoints.
type Handler struct {
	cfg      *config.Config
	reg      *registry.Registry
	upstream Upstream
	tracker  *usage.Tracker
}

// New constructs the endpoint handler set.
func New(cfg *config.Config, reg *registry.Registry, up Upstream, tracker *usage.Tracker) *Handler {
	return &Handler{
		cfg:      cfg,
		reg:      reg,
		upstream: up,
		tracker:  tracker,
	}
}

// respondError writes an OpenAI-shaped error envelope.
func respondError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, openai.NewErrorResponse(message, errType, status))
}

// keyLabel returns a log-safe identifier for a client key, never the
// whole secret.
func keyLabel(key string) string {
	if len(key) <= 4 {
		return "..." + key
	}
	return "..." + key[len(key)-4:]
}
