package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
)

func (s *Server) ListEstimates(c *gin.Context) {
	var req estimatedomain.ListEstimateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, newValidationError("query", "invalid_query", "invalid query parameters"))
		return
	}

	resp, err := s.estimateSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Estimates})
}

func (s *Server) CreateEstimate(c *gin.Context) {
	var req estimatedomain.CreateEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.estimateSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) GetEstimateByID(c *gin.Context) {
	item, err := s.estimateSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) UpdateEstimate(c *gin.Context) {
	var req estimatedomain.UpdateEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.estimateSvc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeleteEstimate(c *gin.Context) {
	if err := s.estimateSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SendEstimate(c *gin.Context) {
	item, err := s.estimateSvc.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) MarkEstimateViewed(c *gin.Context) {
	item, err := s.estimateSvc.MarkViewed(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) AcceptEstimate(c *gin.Context) {
	item, err := s.estimateSvc.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeclineEstimate(c *gin.Context) {
	item, err := s.estimateSvc.Decline(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ConvertEstimate(c *gin.Context) {
	var req estimatedomain.ConvertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
			return
		}
	}

	est, inv, err := s.estimateSvc.ConvertToInvoice(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"estimate": est, "invoice": inv}})
}
