package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/openai"
)

// ListModels serves GET /models (unauthenticated) and GET /v1/models
// (behind the bearer check).
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, openai.NewModelList(h.reg.ModelNames()))
}

// Debug serves GET /debug. With an enable query parameter it flips the
// log level between Info and Debug; without one it reports the current
// state.
func (h *Handler) Debug(c *gin.Context) {
	if raw, ok := c.GetQuery("enable"); ok {
		enable, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request_error", "enable must be a boolean")
			return
		}
		logging.SetDebugMode(enable)
	}
	c.JSON(http.StatusOK, gin.H{"debug_mode": logging.DebugEnabled()})
}
