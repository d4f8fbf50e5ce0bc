// Package onec — клиент 1C:ЦЛ через стандартный OData-интерфейс.
//
// Документ консультации — Document_ТелефонныйЗвонок, справочник клиентов —
// Catalog_Контрагенты. Авторизация basic auth, формат JSON. Отказ ЦЛ по
// лимиту консультаций — единственная ошибка внешней системы, которая
// прерывает создание консультации; остальные логируются и не блокируют
// локальную запись.
package onec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/sethvargo/go-retry"
)

const (
	system = "ONEC"

	documentEntity = "Document_ТелефонныйЗвонок"
	clientEntity   = "Catalog_Контрагенты"

	// ВидОбращения документа в ЦЛ.
	VidQueued       = "ВОчередьНаКонсультацию"
	VidConsultation = "КонсультацияИТС"
	VidOther        = "Другое"
)

// Формат дат OData 1C: без зоны, секунды обязательны.
const odataTime = "2006-01-02T15:04:05"

type Client struct {
	baseURL    string
	user       string
	password   string
	pageSize   int
	httpClient *http.Client
}

func NewClient(baseURL, user, password string, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DocumentRef — идентификаторы созданного документа в ЦЛ.
type DocumentRef struct {
	RefKey string `json:"ref_key"`
	Number string `json:"number"`
}

// DocumentFields — поля документа консультации для создания в ЦЛ.
type DocumentFields struct {
	ClientKey           string
	ManagerKey          string
	AuthorKey           string
	Description         string
	Topic               string
	ScheduledAt         *time.Time
	QuestionCategoryKey string
	QuestionKey         string
}

// ClientRecord — запись справочника Контрагенты.
type ClientRecord struct {
	RefKey       string `json:"Ref_Key"`
	Description  string `json:"Description"`
	INN          string `json:"ИНН"`
	CodeAbonent  string `json:"КодАбонентаClobus"`
	IsFolder     bool   `json:"IsFolder"`
	DeletionMark bool   `json:"DeletionMark"`
	ParentKey    string `json:"Parent_Key"`
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

	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.user, c.password)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
			apiErr := &odataError{Status: resp.StatusCode, Body: string(data)}
			if apiErr.quotaExceeded() {
				// Авторитетный отказ ЦЛ по лимиту — не ретраим.
				return errs.ErrLimitExceeded
			}
			if resp.StatusCode >= 500 {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrLimitExceeded) {
			return err
		}
		return errs.Upstream(system, method+" "+endpoint, err)
	}
	return nil
}

type odataError struct {
	Status int
	Body   string
}

func (e *odataError) Error() string { return fmt.Sprintf("status %d: %s", e.Status, e.Body) }

// quotaExceeded распознаёт отказ ЦЛ по исчерпанному дневному лимиту
// консультаций по тексту сообщения в теле ошибки.
func (e *odataError) quotaExceeded() bool {
	return strings.Contains(e.Body, "Превышен лимит") ||
		strings.Contains(e.Body, "ЛимитКонсультаций")
}

func guidRef(entity, refKey string) string {
	return fmt.Sprintf("%s(guid'%s')", entity, refKey)
}

// CreateDocument создаёт документ консультации. Ref_Key и Number не
// отправляются — их присваивает ЦЛ. Отказ по лимиту возвращается как
// errs.ErrLimitExceeded.
func (c *Client) CreateDocument(ctx context.Context, fields DocumentFields) (*DocumentRef, error) {
	payload := map[string]any{
		"Описание":     fields.Description,
		"ВидОбращения": VidQueued,
		"Входящий":     true,
	}
	if fields.ClientKey != "" {
		payload["Абонент_Key"] = fields.ClientKey
	}
	if fields.ManagerKey != "" {
		payload["Менеджер_Key"] = fields.ManagerKey
	}
	if fields.AuthorKey != "" {
		payload["Автор_Key"] = fields.AuthorKey
	}
	if fields.Topic != "" {
		payload["Тема"] = fields.Topic
	}
	if fields.ScheduledAt != nil {
		payload["ДатаКонсультации"] = fields.ScheduledAt.Format(odataTime)
	}
	if fields.QuestionCategoryKey != "" {
		payload["КатегорияВопроса_Key"] = fields.QuestionCategoryKey
	}
	if fields.QuestionKey != "" {
		payload["ВопросНаКонсультацию_Key"] = fields.QuestionKey
	}

	var resp struct {
		RefKey string `json:"Ref_Key"`
		Number string `json:"Number"`
	}
	if err := c.request(ctx, http.MethodPost, documentEntity+"?$format=json", payload, &resp); err != nil {
		return nil, err
	}
	return &DocumentRef{RefKey: resp.RefKey, Number: resp.Number}, nil
}

// DocumentUpdate — частичное обновление документа (PATCH). Нулевые
// указатели означают "поле не трогать".
type DocumentUpdate struct {
	Vid         string
	ManagerKey  string
	StartDate   *time.Time
	EndDate     *time.Time
	Description *string
}

func (c *Client) UpdateDocument(ctx context.Context, refKey string, upd DocumentUpdate) error {
	payload := map[string]any{}
	if upd.Vid != "" {
		payload["ВидОбращения"] = upd.Vid
	}
	if upd.ManagerKey != "" {
		payload["Менеджер_Key"] = upd.ManagerKey
	}
	if upd.StartDate != nil {
		payload["ДатаКонсультации"] = upd.StartDate.Format(odataTime)
	}
	if upd.EndDate != nil {
		payload["Конец"] = upd.EndDate.Format(odataTime)
	}
	if upd.Description != nil {
		payload["Описание"] = *upd.Description
	}
	if len(payload) == 0 {
		return nil
	}
	return c.request(ctx, http.MethodPatch, guidRef(documentEntity, refKey), payload, nil)
}

// CloseDocument переводит документ в КонсультацияИТС и проставляет Конец.
func (c *Client) CloseDocument(ctx context.Context, refKey string, endDate time.Time) error {
	return c.UpdateDocument(ctx, refKey, DocumentUpdate{Vid: VidConsultation, EndDate: &endDate})
}

// MarkDeleted помечает документ на удаление — способ отмены в ЦЛ.
func (c *Client) MarkDeleted(ctx context.Context, refKey string) error {
	return c.request(ctx, http.MethodPatch, guidRef(documentEntity, refKey),
		map[string]any{"DeletionMark": true}, nil)
}

func (c *Client) GetDocument(ctx context.Context, refKey string) (map[string]any, error) {
	var resp map[string]any
	if err := c.request(ctx, http.MethodGet, guidRef(documentEntity, refKey)+"?$format=json", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FindClient ищет контрагента по ИНН либо коду абонента. Возвращает
// errs.ErrNotFound, если подходящей записи нет.
func (c *Client) FindClient(ctx context.Context, orgINN, codeAbonent string) (*ClientRecord, error) {
	var filter string
	switch {
	case codeAbonent != "":
		filter = fmt.Sprintf("КодАбонентаClobus eq '%s'", codeAbonent)
	case orgINN != "":
		filter = fmt.Sprintf("ИНН eq '%s'", orgINN)
	default:
		return nil, fmt.Errorf("%w: требуется ИНН или код абонента", errs.ErrValidation)
	}
	filter += " and IsFolder eq false and DeletionMark eq false"

	endpoint := clientEntity + "?$format=json&$filter=" + url.QueryEscape(filter) + "&$top=1"
	var resp struct {
		Value []ClientRecord `json:"value"`
	}
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return nil, errs.ErrNotFound
	}
	return &resp.Value[0], nil
}

// CreateClient создаёт контрагента в ЦЛ.
func (c *Client) CreateClient(ctx context.Context, name, orgINN, codeAbonent string) (*ClientRecord, error) {
	payload := map[string]any{
		"Description": name,
	}
	if orgINN != "" {
		payload["ИНН"] = orgINN
	}
	if codeAbonent != "" {
		payload["КодАбонентаClobus"] = codeAbonent
	}
	var rec ClientRecord
	if err := c.request(ctx, http.MethodPost, clientEntity+"?$format=json", payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateClient частично обновляет поля контрагента. Пустые значения
// не отправляются.
func (c *Client) UpdateClient(ctx context.Context, refKey, name, orgINN, codeAbonent string) error {
	if refKey == "" {
		return fmt.Errorf("%w: пустой Ref_Key контрагента", errs.ErrValidation)
	}
	payload := map[string]any{}
	if name != "" {
		payload["Description"] = name
	}
	if orgINN != "" {
		payload["ИНН"] = orgINN
	}
	if codeAbonent != "" {
		payload["КодАбонентаClobus"] = codeAbonent
	}
	if len(payload) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s(guid'%s')?$format=json", clientEntity, refKey)
	return c.request(ctx, http.MethodPatch, endpoint, payload, nil)
}

// ListClients постранично выгружает справочник контрагентов начиная со
// skip. Используется импортом справочных данных.
func (c *Client) ListClients(ctx context.Context, skip int) ([]ClientRecord, error) {
	endpoint := fmt.Sprintf("%s?$format=json&$filter=%s&$orderby=Code&$top=%d&$skip=%d",
		clientEntity, url.QueryEscape("IsFolder eq false"), c.pageSize, skip)
	var resp struct {
		Value []ClientRecord `json:"value"`
	}
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}
