package automation

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/handler"
	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/service/automation"
	"github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/httputil"
)

type Handler struct {
	service automation.Service
}

func NewHandler(service automation.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	automations := r.Group("/automations")
	{
		automations.POST("/lead-captured", h.LeadCaptured)
		automations.POST("/product-interest", h.ProductInterest)
		automations.GET("", h.ListAutomations)
		automations.GET("/queue", h.QueueStats)
		automations.GET("/:id", h.GetAutomation)
		automations.GET("/:id/messages", h.ListMessages)
		automations.POST("/:id/retry", h.RetryAutomation)
	}
}

type leadCapturedRequest struct {
	LeadID string `json:"lead_id" binding:"required,uuid"`
}

type productInterestRequest struct {
	LeadID   string   `json:"lead_id" binding:"required,uuid"`
	Products []string `json:"products" binding:"required,min=1,dive,required"`
}

func (h *Handler) LeadCaptured(c *gin.Context) {
	var req leadCapturedRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	a, err := h.service.OnLeadCaptured(c.Request.Context(), uuid.MustParse(req.LeadID))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, a)
}

func (h *Handler) ProductInterest(c *gin.Context) {
	var req productInterestRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	a, err := h.service.OnProductInterest(c.Request.Context(), uuid.MustParse(req.LeadID), req.Products)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, a)
}

// ListAutomations accepts ?status=PENDING,FAILED&lead_id=...&limit=&offset=.
func (h *Handler) ListAutomations(c *gin.Context) {
	limit, offset, err := handler.Page(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	f := repository.AutomationFilter{Limit: limit, Offset: offset}

	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := model.AutomationStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !status.Valid() {
				httputil.RespondWithError(c, errors.BadRequest("invalid status "+s, nil))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := c.Query("lead_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httputil.RespondWithError(c, errors.BadRequest("invalid lead_id", err))
			return
		}
		f.LeadID = &id
	}

	items, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, items, limit, offset, total)
}

func (h *Handler) GetAutomation(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	a, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, a)
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	msgs, err := h.service.Messages(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, msgs)
}

func (h *Handler) RetryAutomation(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	a, err := h.service.Retry(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, a)
}

func (h *Handler) QueueStats(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.service.QueueStats())
}
