package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/internal/errs"
)

// StatusApplier — приём статуса диалога из вебхука. Реализуется
// service.ConsultationService.
type StatusApplier interface {
	ApplyConversationStatus(ctx context.Context, conversationID, status string) error
}

type WebhookHandler struct {
	svc    StatusApplier
	secret string
}

// NewWebhookHandler принимает секрет подписи вебхуков Chatwoot. Пустой
// секрет отключает проверку подписи (dev-режим).
func NewWebhookHandler(svc StatusApplier, secret string) *WebhookHandler {
	return &WebhookHandler{svc: svc, secret: secret}
}

type chatwootWebhookPayload struct {
	Event        string `json:"event"`
	ID           int    `json:"id"`
	Status       string `json:"status"`
	Conversation *struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"conversation"`
}

// Chatwoot обрабатывает вебхук платформы диалогов. Интересует только
// смена статуса диалога; остальные события подтверждаются без обработки.
func (h *WebhookHandler) Chatwoot(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	// Настроенный секрет делает подпись обязательной: запрос без заголовка
	// отклоняется так же, как с неверной подписью.
	if h.secret != "" {
		if !verifySignature(h.secret, body, c.GetHeader("X-Chatwoot-Signature")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload chatwootWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	switch payload.Event {
	case "conversation_status_changed", "conversation_updated":
		conversationID, status := fmt.Sprintf("%d", payload.ID), payload.Status
		if payload.Conversation != nil {
			conversationID = fmt.Sprintf("%d", payload.Conversation.ID)
			status = payload.Conversation.Status
		}
		if status == "" {
			break
		}
		err := h.svc.ApplyConversationStatus(c.Request.Context(), conversationID, status)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			// Диалог не наш — подтверждаем, чтобы Chatwoot не ретраил.
		case errors.Is(err, errs.ErrValidation):
			log.Printf("webhook: %v", err)
		case err != nil:
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "event": payload.Event})
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
