package handlers

import (
	"errors"
	"net/http"

	"registry-sync-service/internal/core/domain"

	"github.com/gin-gonic/gin"
)

func mapDomainError(c *gin.Context, err error) {
	switch {
	// Bad request / validation errors
	case errors.Is(err, domain.ErrInvalidModelName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	// Authentication errors
	case errors.Is(err, domain.ErrMissingSignature),
		errors.Is(err, domain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})

	// Not found errors
	case errors.Is(err, domain.ErrSyncRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	// Upstream registry unavailable
	case errors.Is(err, domain.ErrResolution):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})

	// Service unavailable errors
	case errors.Is(err, domain.ErrHistoryNotEnabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
