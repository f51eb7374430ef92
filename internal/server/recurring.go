package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
)

func (s *Server) ListRecurringInvoices(c *gin.Context) {
	var req recurringdomain.ListRecurringRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, newValidationError("query", "invalid_query", "invalid query parameters"))
		return
	}

	resp, err := s.recurringSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.RecurringInvoices})
}

func (s *Server) CreateRecurringInvoice(c *gin.Context) {
	var req recurringdomain.CreateRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.recurringSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) GetRecurringInvoiceByID(c *gin.Context) {
	item, err := s.recurringSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) UpdateRecurringInvoice(c *gin.Context) {
	var req recurringdomain.UpdateRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.recurringSvc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeleteRecurringInvoice(c *gin.Context) {
	if err := s.recurringSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) PauseRecurringInvoice(c *gin.Context) {
	item, err := s.recurringSvc.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ResumeRecurringInvoice(c *gin.Context) {
	item, err := s.recurringSvc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) CancelRecurringInvoice(c *gin.Context) {
	item, err := s.recurringSvc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) GenerateRecurringInvoice(c *gin.Context) {
	tmpl, inv, err := s.recurringSvc.GenerateInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"recurring_invoice": tmpl, "invoice": inv}})
}
