package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/internal/errs"
)

type fakeApplier struct {
	applied map[string]string
	err     error
}

func (f *fakeApplier) ApplyConversationStatus(_ context.Context, conversationID, status string) error {
	if f.err != nil {
		return f.err
	}
	if f.applied == nil {
		f.applied = map[string]string{}
	}
	f.applied[conversationID] = status
	return nil
}

func newWebhookRouter(f *fakeApplier, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/chatwoot", NewWebhookHandler(f, secret).Chatwoot)
	return r
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAppliesStatus(t *testing.T) {
	f := &fakeApplier{}
	r := newWebhookRouter(f, "")

	body := `{"event":"conversation_status_changed","id":314,"status":"resolved"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if f.applied["314"] != "resolved" {
		t.Errorf("applied = %v", f.applied)
	}
}

func TestWebhookSignature(t *testing.T) {
	body := `{"event":"conversation_status_changed","id":1,"status":"open"}`
	f := &fakeApplier{}
	r := newWebhookRouter(f, "secret")

	// Неверная подпись отклоняется.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	req.Header.Set("X-Chatwoot-Signature", "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("code = %d", w.Code)
	}

	// Верная — принимается.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	req.Header.Set("X-Chatwoot-Signature", sign("secret", body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

// При настроенном секрете запрос вовсе без подписи — тоже 401: пропуск
// заголовка не обходит проверку.
func TestWebhookMissingSignatureRejected(t *testing.T) {
	body := `{"event":"conversation_status_changed","id":1,"status":"open"}`
	f := &fakeApplier{}
	r := newWebhookRouter(f, "secret")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("code = %d", w.Code)
	}
	if len(f.applied) != 0 {
		t.Errorf("статус применён без подписи: %v", f.applied)
	}
}

// Чужой диалог подтверждается без ошибки, чтобы Chatwoot не ретраил.
func TestWebhookUnknownConversationAcknowledged(t *testing.T) {
	f := &fakeApplier{err: errs.ErrNotFound}
	r := newWebhookRouter(f, "")

	body := `{"event":"conversation_status_changed","id":999,"status":"resolved"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := &fakeApplier{}
	r := newWebhookRouter(f, "")

	body := `{"event":"message_created","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chatwoot", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
	if len(f.applied) != 0 {
		t.Errorf("applied = %v", f.applied)
	}
}
