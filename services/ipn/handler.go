package ipn

import (
	"net/http"

	"smallbiznis-recurring/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/ipn/:processor", h.Notify)

	g := r.Group("/v1/notifications")
	g.GET("/:id", h.GetLog)
	g.POST("/:id/replay", h.Replay)
}

// Notify is the gateway-facing listener. The gateway only looks at the status
// code: 200 stops its retries, 503 asks for redelivery.
func (h *Handler) Notify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		_ = c.Error(errutil.BadRequest("invalid form body", err))
		return
	}

	fields := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	if _, err := h.svc.Receive(c.Request.Context(), c.Param("processor"), fields); err != nil {
		_ = c.Error(err)
		return
	}

	c.String(http.StatusOK, "OK")
}

func (h *Handler) GetLog(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid notification id", err))
		return
	}

	entry, err := h.svc.GetLog(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (h *Handler) Replay(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid notification id", err))
		return
	}

	taskID, err := h.svc.RequestReplay(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"task_id": taskID}})
}
