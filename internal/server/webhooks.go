package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// IngestWebhook accepts processor notifications. The reconciler owns the
// response contract: parse failures map to 400, signature failures to
// 401, everything after authentication is acknowledged with 200 so
// processors do not retry events we have already recorded.
func (s *Server) IngestWebhook(c *gin.Context) {
	gateway := c.Param("gateway")

	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.webhookSvc.IngestWebhook(c.Request.Context(), gateway, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
