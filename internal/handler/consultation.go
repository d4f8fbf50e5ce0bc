package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/internal/balancer"
	"github.com/psds-microservice/consultation-service/internal/model"
	"github.com/psds-microservice/consultation-service/internal/service"
)

// Consultations — операции оркестратора, нужные HTTP-слою. Интерфейс
// выделен для подмены фейком в тестах хендлеров.
type Consultations interface {
	Create(ctx context.Context, req service.CreateRequest, idemKey string) (*service.CreateResult, error)
	Get(ctx context.Context, consID string) (*model.Consultation, error)
	List(ctx context.Context, filter map[string]interface{}, limit, offset int) ([]model.Consultation, int64, error)
	Update(ctx context.Context, consID string, req service.UpdateRequest) (*model.Consultation, error)
	Cancel(ctx context.Context, consID, source string) (*model.Consultation, error)
	SubmitRatings(ctx context.Context, consID string, answers []service.RatingAnswerInput) (*model.RatingAggregate, error)
	Ratings(ctx context.Context, consID string) ([]model.ConsRatingAnswer, error)
}

// WaitEstimator — расчёт ожидания по очереди менеджера.
type WaitEstimator interface {
	CalculateWaitTime(ctx context.Context, managerKey string) (*balancer.WaitEstimate, error)
}

type ConsultationHandler struct {
	svc      Consultations
	balancer WaitEstimator
}

func NewConsultationHandler(svc Consultations, lb WaitEstimator) *ConsultationHandler {
	return &ConsultationHandler{svc: svc, balancer: lb}
}

// Create принимает заявку на консультацию. Заголовок Idempotency-Key
// включает кэширование ответа: повтор с тем же ключом и телом вернёт
// байт-в-байт тот же ответ без побочных эффектов.
func (h *ConsultationHandler) Create(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	res, err := h.svc.Create(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.Data(status, "application/json", res.Raw)
}

func (h *ConsultationHandler) Get(c *gin.Context) {
	cons, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *ConsultationHandler) List(c *gin.Context) {
	filter := make(map[string]interface{})
	if v := c.Query("client_id"); v != "" {
		filter["client_id = ?"] = v
	}
	if v := c.Query("manager"); v != "" {
		filter["manager = ?"] = v
	}
	if v := c.Query("status"); v != "" {
		filter["status = ?"] = v
	}
	if v := c.Query("type"); v != "" {
		filter["type = ?"] = v
	}

	limit := 0
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	items, total, err := h.svc.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consultations": items,
		"total":         total,
	})
}

func (h *ConsultationHandler) Update(c *gin.Context) {
	var req service.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	cons, err := h.svc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *ConsultationHandler) Cancel(c *gin.Context) {
	cons, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

// WaitTime — оценка ожидания по очереди назначенного менеджера.
func (h *ConsultationHandler) WaitTime(c *gin.Context) {
	cons, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if cons.Manager == "" {
		c.JSON(http.StatusOK, gin.H{"queue_position": nil})
		return
	}
	est, err := h.balancer.CalculateWaitTime(c.Request.Context(), cons.Manager)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

type submitRatingsRequest struct {
	Answers []service.RatingAnswerInput `json:"answers" binding:"required"`
}

func (h *ConsultationHandler) SubmitRatings(c *gin.Context) {
	var req submitRatingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	agg, err := h.svc.SubmitRatings(c.Request.Context(), c.Param("id"), req.Answers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (h *ConsultationHandler) Ratings(c *gin.Context) {
	answers, err := h.svc.Ratings(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answers": answers})
}
