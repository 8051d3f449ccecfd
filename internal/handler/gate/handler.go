package gate

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/httputil"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

type Handler struct {
	gate gate.Gate
	log  *logger.Logger
}

func NewHandler(g gate.Gate, log *logger.Logger) *Handler {
	return &Handler{gate: g, log: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/gate")
	{
		g.GET("/stats", h.GetStats)
		g.POST("/reset", h.Reset)
	}
}

func (h *Handler) GetStats(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.gate.Stats())
}

// Reset clears every counter and block. Meant for operators after a
// provider incident.
func (h *Handler) Reset(c *gin.Context) {
	if err := h.gate.Reset(c.Request.Context()); err != nil {
		httputil.RespondWithError(c, errors.Unavailable("failed to reset gate", err))
		return
	}
	h.log.Warn("rate gate reset", "client_ip", c.ClientIP())
	httputil.RespondWithSuccess(c, h.gate.Stats())
}
