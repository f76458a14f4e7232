package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) ListTeamInvoices(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	invoices, err := s.invoiceSvc.ListByTeam(c.Request.Context(), c.Param("team_id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}
