package handlers

import (
	"registry-sync-service/internal/core/ports/output"
	"registry-sync-service/internal/core/services"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	reconciler    *services.ReconcilerService
	history       ports.SyncHistoryRepository
	webhookSecret string
}

func New(reconciler *services.ReconcilerService, history ports.SyncHistoryRepository, webhookSecret string) *Handler {
	return &Handler{
		reconciler:    reconciler,
		history:       history,
		webhookSecret: webhookSecret,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	// Notification intake
	r.POST("/webhook", h.Webhook)

	// Manual reconciliation
	r.POST("/sync", h.TriggerSync)

	// Pass history
	r.GET("/syncs", h.ListSyncs)
}
