package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"registry-sync-service/internal/adapters/primary/http/dto"
	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

const headerSignature = "X-Databricks-Signature"

// webhookTimeout bounds the background pass started by a webhook; the
// request itself returns 202 immediately.
const webhookTimeout = 30 * time.Minute

// Webhook receives a stage-transition event, validates its HMAC signature
// against the shared secret and kicks off an asynchronous reconciliation
// pass for the model. Delivery is at-least-once; the engine's idempotence
// makes duplicates harmless.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := h.verifySignature(body, c.GetHeader(headerSignature)); err != nil {
		mapDomainError(c, err)
		return
	}

	var event dto.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.ModelName == "" {
		mapDomainError(c, domain.ErrInvalidModelName)
		return
	}

	n := domain.Notification{
		ID:        uuid.New(),
		ModelName: event.ModelName,
		Version:   event.Version,
		ToStage:   domain.Stage(event.ToStage),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if _, err := h.reconciler.Reconcile(ctx, n); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"model":           n.ModelName,
				"notification_id": n.ID,
			}).Error("webhook-triggered reconciliation failed")
		}
	}()

	c.JSON(http.StatusAccepted, dto.WebhookAcceptedResponse{
		NotificationID: n.ID,
		ModelName:      n.ModelName,
		Message:        "reconciliation started",
	})
}

// TriggerSync runs a reconciliation pass synchronously and returns the
// per-run_id outcome report.
func (h *Handler) TriggerSync(c *gin.Context) {
	var req dto.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.reconciler.Reconcile(c.Request.Context(), domain.Notification{
		ID:        uuid.New(),
		ModelName: req.ModelName,
	})
	if err != nil {
		mapDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ToSyncReportResponse(report))
}

func (h *Handler) ListSyncs(c *gin.Context) {
	if h.history == nil {
		mapDomainError(c, domain.ErrHistoryNotEnabled)
		return
	}

	filter := ports.SyncListFilter{ModelName: c.Query("model_name")}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = n
	}

	reports, err := h.history.ListRecent(c.Request.Context(), filter)
	if err != nil {
		mapDomainError(c, err)
		return
	}

	items := make([]dto.SyncReportResponse, 0, len(reports))
	for _, report := range reports {
		items = append(items, dto.ToSyncReportResponse(report))
	}
	c.JSON(http.StatusOK, dto.ListSyncReportsResponse{Items: items, Total: len(items)})
}

func (h *Handler) verifySignature(body []byte, signature string) error {
	if signature == "" {
		return domain.ErrMissingSignature
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.ErrInvalidSignature
	}
	return nil
}
