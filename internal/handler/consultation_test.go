package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/internal/balancer"
	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/model"
	"github.com/psds-microservice/consultation-service/internal/service"
)

type fakeConsultations struct {
	createRes *service.CreateResult
	createErr error
	gotKey    string
	cons      map[string]*model.Consultation
	cancelErr error
}

func (f *fakeConsultations) Create(_ context.Context, _ service.CreateRequest, idemKey string) (*service.CreateResult, error) {
	f.gotKey = idemKey
	return f.createRes, f.createErr
}

func (f *fakeConsultations) Get(_ context.Context, id string) (*model.Consultation, error) {
	if c, ok := f.cons[id]; ok {
		return c, nil
	}
	return nil, errs.ErrNotFound
}

func (f *fakeConsultations) List(context.Context, map[string]interface{}, int, int) ([]model.Consultation, int64, error) {
	return nil, 0, nil
}

func (f *fakeConsultations) Update(_ context.Context, id string, _ service.UpdateRequest) (*model.Consultation, error) {
	return f.Get(context.Background(), id)
}

func (f *fakeConsultations) Cancel(_ context.Context, id, _ string) (*model.Consultation, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return f.Get(context.Background(), id)
}

func (f *fakeConsultations) SubmitRatings(context.Context, string, []service.RatingAnswerInput) (*model.RatingAggregate, error) {
	return &model.RatingAggregate{}, nil
}

func (f *fakeConsultations) Ratings(context.Context, string) ([]model.ConsRatingAnswer, error) {
	return nil, nil
}

type fakeEstimator struct{}

func (fakeEstimator) CalculateWaitTime(context.Context, string) (*balancer.WaitEstimate, error) {
	return &balancer.WaitEstimate{QueuePosition: 2, EstimatedWaitMinutes: 30, EstimatedWaitHours: 1}, nil
}

func newHandlerRouter(f *fakeConsultations) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewConsultationHandler(f, fakeEstimator{})
	r := gin.New()
	r.POST("/api/v1/consultations", h.Create)
	r.GET("/api/v1/consultations/:id", h.Get)
	r.POST("/api/v1/consultations/:id/cancel", h.Cancel)
	r.GET("/api/v1/consultations/:id/wait-time", h.WaitTime)
	return r
}

func TestCreatePassesIdempotencyKey(t *testing.T) {
	raw := json.RawMessage(`{"consultation":{"cons_id":"c1"}}`)
	f := &fakeConsultations{createRes: &service.CreateResult{Raw: raw}}
	r := newHandlerRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations",
		strings.NewReader(`{"type":"accounting","comment":"Вопрос"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("code = %d", w.Code)
	}
	if f.gotKey != "key-1" {
		t.Errorf("idempotency key = %q", f.gotKey)
	}
	if w.Body.String() != string(raw) {
		t.Errorf("ответ должен быть закэшированными байтами, получено %s", w.Body.String())
	}
}

func TestCreateReplayReturns200(t *testing.T) {
	f := &fakeConsultations{createRes: &service.CreateResult{Raw: json.RawMessage(`{}`), Replayed: true}}
	r := newHandlerRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("повтор должен отдавать 200, получено %d", w.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errs.ErrValidation, http.StatusBadRequest},
		{errs.ErrLimitExceeded, http.StatusTooManyRequests},
		{errs.ErrNoManager, http.StatusTooManyRequests},
		{errs.ErrConflict, http.StatusConflict},
		{errs.ErrIdempotencyConflict, http.StatusConflict},
		{errs.ErrCancelWindowExpired, http.StatusConflict},
	}
	for _, tc := range cases {
		f := &fakeConsultations{createErr: tc.err}
		r := newHandlerRouter(f)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Errorf("%v: code = %d, ожидалось %d", tc.err, w.Code, tc.code)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	r := newHandlerRouter(&fakeConsultations{cons: map[string]*model.Consultation{}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/consultations/absent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d", w.Code)
	}
}

func TestWaitTimeUnassigned(t *testing.T) {
	f := &fakeConsultations{cons: map[string]*model.Consultation{
		"c1": {ConsID: "c1", Type: model.TypeSupport, Status: model.StatusOpen},
	}}
	r := newHandlerRouter(f)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/consultations/c1/wait-time", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["queue_position"] != nil {
		t.Errorf("без менеджера позиция в очереди отсутствует: %v", body)
	}
}
