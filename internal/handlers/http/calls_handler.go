package http

import (
	"net/http"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/pkg/errors"
	"voicelink/pkg/token"
	"voicelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallsHandler exposes the gateway's call records for inspection.
type CallsHandler struct {
	calls  ports.CallRepository
	tokens *token.Issuer
}

func NewCallsHandler(calls ports.CallRepository, tokens *token.Issuer) *CallsHandler {
	return &CallsHandler{calls: calls, tokens: tokens}
}

func (h *CallsHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/calls", middleware.AuthMiddleware(h.tokens))
	{
		api.GET("", h.ListActive)
		api.GET("/:sid", h.GetBySid)
	}
}

func (h *CallsHandler) ListActive(c *gin.Context) {
	records, err := h.calls.ListActive(c.Request.Context())
	if err != nil {
		c.Error(errors.NewInternalError("failed to list calls"))
		return
	}
	if records == nil {
		records = []*domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

func (h *CallsHandler) GetBySid(c *gin.Context) {
	sid := c.Param("sid")
	if err := validation.ValidateCallSid(sid); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	record, err := h.calls.GetBySid(c.Request.Context(), domain.CallID(sid))
	if err == domain.ErrCallNotFound {
		c.Error(errors.NewNotFoundError("call"))
		return
	}
	if err != nil {
		c.Error(errors.NewInternalError("failed to load call"))
		return
	}
	c.JSON(http.StatusOK, record)
}
