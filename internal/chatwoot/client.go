// Package chatwoot — клиент платформы диалогов Chatwoot.
//
// Вызовы best-effort: ограниченный таймаут, до трёх попыток с экспоненциальной
// задержкой. Ошибки оборачиваются в errs.UpstreamError — оркестратор логирует
// их и продолжает работу, локальная запись не теряется.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/sethvargo/go-retry"
)

const system = "CHATWOOT"

type Client struct {
	baseURL    string
	apiToken   string
	accountID  string
	inboxID    int
	httpClient *http.Client
}

// NewClient возвращает клиент. При пустом baseURL все вызовы возвращают
// ошибку недоступности — сервис продолжает работать без Chatwoot.
func NewClient(baseURL, apiToken, accountID string, inboxID int) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiToken:  apiToken,
		accountID: accountID,
		inboxID:   inboxID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ContactRef — идентификаторы контакта в Chatwoot.
type ContactRef struct {
	ContactID   int    `json:"contact_id"`
	SourceID    string `json:"source_id"`
	PubsubToken string `json:"pubsub_token"`
}

// ConversationRef — идентификаторы диалога в Chatwoot.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
	SourceID       string `json:"source_id"`
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload any, out any) error {
	if c.baseURL == "" {
		return errs.Upstream(system, endpoint, fmt.Errorf("client is not configured"))
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return errs.Upstream(system, endpoint, fmt.Errorf("marshal: %w", err))
		}
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("api_access_token", c.apiToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return &apiError{Status: resp.StatusCode, Body: string(data)}
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	})
	if err != nil {
		return errs.Upstream(system, method+" "+endpoint, err)
	}
	return nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string { return fmt.Sprintf("status %d: %s", e.Status, e.Body) }

func (c *Client) accounts(path string, args ...any) string {
	return fmt.Sprintf("/api/v1/accounts/%s", c.accountID) + fmt.Sprintf(path, args...)
}

// EnsureContact создаёт контакт, идемпотентно по identifier: при конфликте
// существующий контакт находится повторным поиском по тому же identifier.
func (c *Client) EnsureContact(ctx context.Context, identifier, name, email, phone string) (*ContactRef, error) {
	payload := map[string]any{
		"inbox_id":   c.inboxID,
		"identifier": identifier,
		"name":       name,
	}
	if email != "" {
		payload["email"] = email
	}
	if phone != "" {
		payload["phone_number"] = phone
	}

	var created struct {
		Payload struct {
			Contact struct {
				ID             int    `json:"id"`
				PubsubToken    string `json:"pubsub_token"`
				ContactInboxes []struct {
					SourceID string `json:"source_id"`
				} `json:"contact_inboxes"`
			} `json:"contact"`
		} `json:"payload"`
	}
	err := c.request(ctx, http.MethodPost, c.accounts("/contacts"), payload, &created)
	if err == nil {
		ref := &ContactRef{
			ContactID:   created.Payload.Contact.ID,
			PubsubToken: created.Payload.Contact.PubsubToken,
		}
		if len(created.Payload.Contact.ContactInboxes) > 0 {
			ref.SourceID = created.Payload.Contact.ContactInboxes[0].SourceID
		}
		return ref, nil
	}

	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnprocessableEntity {
		return nil, err
	}
	// Контакт уже существует — разрешаем конфликт повторным запросом.
	return c.findContact(ctx, identifier)
}

func (c *Client) findContact(ctx context.Context, identifier string) (*ContactRef, error) {
	var found struct {
		Payload []struct {
			ID             int    `json:"id"`
			PubsubToken    string `json:"pubsub_token"`
			ContactInboxes []struct {
				SourceID string `json:"source_id"`
			} `json:"contact_inboxes"`
		} `json:"payload"`
	}
	endpoint := c.accounts("/contacts/search") + "?q=" + identifier
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &found); err != nil {
		return nil, err
	}
	if len(found.Payload) == 0 {
		return nil, errs.Upstream(system, "contacts/search", fmt.Errorf("contact %s not found after conflict", identifier))
	}
	ref := &ContactRef{
		ContactID:   found.Payload[0].ID,
		PubsubToken: found.Payload[0].PubsubToken,
	}
	if len(found.Payload[0].ContactInboxes) > 0 {
		ref.SourceID = found.Payload[0].ContactInboxes[0].SourceID
	}
	return ref, nil
}

// OpenConversation создаёт диалог. attrs попадают в custom_attributes —
// туда же кладётся correlation id консультации.
func (c *Client) OpenConversation(ctx context.Context, sourceID, content string, attrs map[string]string) (*ConversationRef, error) {
	payload := map[string]any{
		"source_id": sourceID,
		"inbox_id":  c.inboxID,
	}
	if content != "" {
		payload["message"] = map[string]any{"content": content}
	}
	if len(attrs) > 0 {
		payload["custom_attributes"] = attrs
	}

	var resp struct {
		ID       int    `json:"id"`
		SourceID string `json:"source_id"`
	}
	if err := c.request(ctx, http.MethodPost, c.accounts("/conversations"), payload, &resp); err != nil {
		return nil, err
	}
	return &ConversationRef{
		ConversationID: fmt.Sprintf("%d", resp.ID),
		SourceID:       resp.SourceID,
	}, nil
}

// UpdateConversation меняет статус и/или custom_attributes диалога.
func (c *Client) UpdateConversation(ctx context.Context, conversationID, status string, attrs map[string]string) error {
	payload := map[string]any{}
	if status != "" {
		payload["status"] = status
	}
	if len(attrs) > 0 {
		payload["custom_attributes"] = attrs
	}
	return c.request(ctx, http.MethodPut, c.accounts("/conversations/%s", conversationID), payload, nil)
}

// ResolveConversation закрывает диалог (используется при отмене консультации).
func (c *Client) ResolveConversation(ctx context.Context, conversationID string) error {
	return c.request(ctx, http.MethodPost, c.accounts("/conversations/%s/toggle_status", conversationID),
		map[string]any{"status": "resolved"}, nil)
}

// SendMessage добавляет исходящее сообщение в диалог.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	return c.request(ctx, http.MethodPost, c.accounts("/conversations/%s/messages", conversationID),
		map[string]any{"content": content, "message_type": "outgoing"}, nil)
}

// AssignAgent назначает оператора на диалог.
func (c *Client) AssignAgent(ctx context.Context, conversationID string, agentID int) error {
	return c.request(ctx, http.MethodPost, c.accounts("/conversations/%s/assignments", conversationID),
		map[string]any{"assignee_id": agentID}, nil)
}

// AssignTeam назначает команду на диалог.
func (c *Client) AssignTeam(ctx context.Context, conversationID string, teamID int) error {
	return c.request(ctx, http.MethodPost, c.accounts("/conversations/%s/assignments", conversationID),
		map[string]any{"team_id": teamID}, nil)
}

// AddLabels вешает метки на диалог.
func (c *Client) AddLabels(ctx context.Context, conversationID string, labels []string) error {
	return c.request(ctx, http.MethodPost, c.accounts("/conversations/%s/labels", conversationID),
		map[string]any{"labels": labels}, nil)
}

// ConversationStatus возвращает текущий статус диалога (open/pending/
// snoozed/resolved). Используется фоновой сверкой статусов.
func (c *Client) ConversationStatus(ctx context.Context, conversationID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.request(ctx, http.MethodGet, c.accounts("/conversations/%s", conversationID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}
