package recurring

import (
	"net/http"

	"smallbiznis-recurring/pkg/db/pagination"
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
	g := r.Group("/v1/recurring")
	g.GET("/:id", h.GetAgreement)
	g.GET("/:id/contributions", h.ListContributions)
}

func (h *Handler) GetAgreement(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid agreement id", err))
		return
	}

	a, err := h.svc.GetAgreement(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (h *Handler) ListContributions(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid agreement id", err))
		return
	}

	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.ListContributions(c.Request.Context(), id, p)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}
