package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetPublicInvoice resolves an invoice by its payment token. The route is
// unauthenticated; possession of the token grants read access.
func (s *Server) GetPublicInvoice(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))

	item, err := s.invoiceSvc.FindByPaymentToken(c.Request.Context(), token)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
