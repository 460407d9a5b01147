package http

import (
	"net/http"
	"strings"

	"voicelink/pkg/errors"
	"voicelink/pkg/token"
	"voicelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues short-lived access tokens for the signaling gateway.
// It stands in for the application's own credential service in development.
type TokenHandler struct {
	tokens *token.Issuer
}

func NewTokenHandler(tokens *token.Issuer) *TokenHandler {
	return &TokenHandler{tokens: tokens}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/token", h.Issue)
}

type TokenRequest struct {
	ClientID string `json:"client_id" binding:"required,max=64"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (h *TokenHandler) Issue(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	tok, err := h.tokens.Issue(req.ClientID)
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: tok})
}
