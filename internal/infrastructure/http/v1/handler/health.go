package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, "OK")
}

func (h *Handler) Layer(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "layer", h.tileUseCase.Layer())
}
