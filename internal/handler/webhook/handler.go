package webhook

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/handler"
	"github.com/jwalitptl/crm-outbound/internal/middleware"
	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/service/webhook"
	"github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/httputil"
)

type Handler struct {
	service webhook.Service
}

func NewHandler(service webhook.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("", h.CreateWebhook)
		webhooks.GET("", h.ListWebhooks)
		webhooks.GET("/:id", h.GetWebhook)
		webhooks.PUT("/:id", h.UpdateWebhook)
		webhooks.DELETE("/:id", h.DeleteWebhook)
		webhooks.POST("/:id/pause", h.PauseWebhook)
		webhooks.POST("/:id/activate", h.ActivateWebhook)
		webhooks.POST("/:id/test", h.TestWebhook)
		webhooks.GET("/:id/deliveries", h.ListDeliveries)
		webhooks.GET("/:id/stats", h.GetStats)
		webhooks.POST("/deliveries/:id/redeliver", h.Redeliver)
	}
	r.POST("/events", h.TriggerEvent)
}

func (h *Handler) CreateWebhook(c *gin.Context) {
	var req webhook.CreateRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	w, err := h.service.Create(c.Request.Context(), middleware.OwnerID(c), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, w)
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	hooks, err := h.service.List(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, hooks)
}

func (h *Handler) GetWebhook(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	w, err := h.service.Get(c.Request.Context(), middleware.OwnerID(c), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, w)
}

func (h *Handler) UpdateWebhook(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	var req webhook.UpdateRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	w, err := h.service.Update(c.Request.Context(), middleware.OwnerID(c), id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, w)
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	if err := h.service.Delete(c.Request.Context(), middleware.OwnerID(c), id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"deleted": id})
}

func (h *Handler) PauseWebhook(c *gin.Context) {
	h.setStatus(c, h.service.Pause)
}

func (h *Handler) ActivateWebhook(c *gin.Context) {
	h.setStatus(c, h.service.Activate)
}

type statusFunc func(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error)

func (h *Handler) setStatus(c *gin.Context, fn statusFunc) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	w, err := fn(c.Request.Context(), middleware.OwnerID(c), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, w)
}

func (h *Handler) TestWebhook(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	res, err := h.service.Test(c.Request.Context(), middleware.OwnerID(c), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, res)
}

// ListDeliveries accepts ?status=FAILED,RETRYING&event=lead.created&limit=&offset=.
func (h *Handler) ListDeliveries(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	limit, offset, err := handler.Page(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	f := repository.DeliveryFilter{Event: c.Query("event"), Limit: limit, Offset: offset}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := model.DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
			switch status {
			case model.DeliveryStatusPending, model.DeliveryStatusRetrying, model.DeliveryStatusSuccess, model.DeliveryStatusFailed:
				f.Statuses = append(f.Statuses, status)
			default:
				httputil.RespondWithError(c, errors.BadRequest("invalid status "+s, nil))
				return
			}
		}
	}

	items, total, err := h.service.Deliveries(c.Request.Context(), middleware.OwnerID(c), id, f)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, items, limit, offset, total)
}

func (h *Handler) GetStats(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), middleware.OwnerID(c), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, stats)
}

func (h *Handler) Redeliver(c *gin.Context) {
	id, err := handler.ParseID(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	d, err := h.service.Redeliver(c.Request.Context(), middleware.OwnerID(c), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, d)
}

func (h *Handler) TriggerEvent(c *gin.Context) {
	var req webhook.TriggerRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	out, err := h.service.Trigger(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"event": req.Event, "deliveries": out})
}
