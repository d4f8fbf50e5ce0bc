package onec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "odata-user", "odata-pass", 100)
}

func TestCreateDocument(t *testing.T) {
	when := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "odata-user" || pass != "odata-pass" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		if r.URL.Path != "/Document_ТелефонныйЗвонок" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["Абонент_Key"] != "client-key" {
			t.Errorf("Абонент_Key = %v", body["Абонент_Key"])
		}
		if body["ВидОбращения"] != VidQueued {
			t.Errorf("ВидОбращения = %v", body["ВидОбращения"])
		}
		if body["ДатаКонсультации"] != "2025-03-10T14:30:00" {
			t.Errorf("ДатаКонсультации = %v", body["ДатаКонсультации"])
		}
		if _, sent := body["Ref_Key"]; sent {
			t.Error("Ref_Key не должен отправляться при создании")
		}
		w.Write([]byte(`{"Ref_Key":"doc-ref","Number":"000042"}`))
	})

	ref, err := c.CreateDocument(context.Background(), DocumentFields{
		ClientKey:   "client-key",
		Description: "Вопрос по отчётности",
		ScheduledAt: &when,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if ref.RefKey != "doc-ref" || ref.Number != "000042" {
		t.Errorf("неверный DocumentRef: %+v", ref)
	}
}

// Отказ ЦЛ по лимиту должен возвращаться как ErrLimitExceeded,
// без оборачивания в UpstreamError и без повторных попыток.
func TestCreateDocumentQuotaExceeded(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"odata.error":{"message":{"value":"Превышен лимит консультаций на день"}}}`))
	})

	_, err := c.CreateDocument(context.Background(), DocumentFields{Description: "x"})
	if !errors.Is(err, errs.ErrLimitExceeded) {
		t.Fatalf("ожидался ErrLimitExceeded, получено %v", err)
	}
	if errs.IsUpstream(err) {
		t.Error("отказ по лимиту не должен считаться ошибкой внешней системы")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, отказ по лимиту не ретраится", attempts)
	}
}

func TestUpdateDocumentPatchesByGuid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("метод = %s", r.Method)
		}
		if r.URL.Path != "/Document_ТелефонныйЗвонок(guid'doc-ref')" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["ВидОбращения"] != VidConsultation {
			t.Errorf("ВидОбращения = %v", body["ВидОбращения"])
		}
		if body["Конец"] != "2025-03-10T15:00:00" {
			t.Errorf("Конец = %v", body["Конец"])
		}
	})

	end := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	if err := c.CloseDocument(context.Background(), "doc-ref", end); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
}

func TestUpdateDocumentEmptyIsNoop(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("пустое обновление не должно ходить в ЦЛ")
	})
	if err := c.UpdateDocument(context.Background(), "doc-ref", DocumentUpdate{}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
}

func TestFindClientByCodeAbonent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		want := "КодАбонентаClobus eq '12345' and IsFolder eq false and DeletionMark eq false"
		if filter != want {
			t.Errorf("$filter = %q", filter)
		}
		w.Write([]byte(`{"value":[{"Ref_Key":"cl-ref","Description":"ООО Ромашка","ИНН":"7701234567","КодАбонентаClobus":"12345"}]}`))
	})

	rec, err := c.FindClient(context.Background(), "7701234567", "12345")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}
	if rec.RefKey != "cl-ref" || rec.CodeAbonent != "12345" {
		t.Errorf("неверная запись: %+v", rec)
	}
}

func TestFindClientNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	})
	if _, err := c.FindClient(context.Background(), "7701234567", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("ожидался ErrNotFound, получено %v", err)
	}
}

func TestFindClientRequiresIdentity(t *testing.T) {
	c := NewClient("http://unused", "", "", 0)
	if _, err := c.FindClient(context.Background(), "", ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("ожидался ErrValidation, получено %v", err)
	}
}

func TestListClientsPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("$top") != "100" || q.Get("$skip") != "200" {
			t.Errorf("$top=%s $skip=%s", q.Get("$top"), q.Get("$skip"))
		}
		if q.Get("$orderby") != "Code" {
			t.Errorf("$orderby = %s", q.Get("$orderby"))
		}
		w.Write([]byte(`{"value":[{"Ref_Key":"a"},{"Ref_Key":"b"}]}`))
	})
	recs, err := c.ListClients(context.Background(), 200)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len = %d", len(recs))
	}
}

func TestUpdateClientPatchesByGuid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("метод = %s", r.Method)
		}
		if r.URL.Path != "/Catalog_Контрагенты(guid'cl-ref')" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["КодАбонентаClobus"] != "54321" {
			t.Errorf("КодАбонентаClobus = %v", body["КодАбонентаClobus"])
		}
		if _, ok := body["ИНН"]; ok {
			t.Error("пустой ИНН не должен отправляться")
		}
	})
	if err := c.UpdateClient(context.Background(), "cl-ref", "", "", "54321"); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
}

func TestMarkDeleted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["DeletionMark"] != true {
			t.Errorf("body = %v", body)
		}
	})
	if err := c.MarkDeleted(context.Background(), "doc-ref"); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
}
