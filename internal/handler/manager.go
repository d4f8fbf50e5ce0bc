package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/internal/balancer"
)

// ManagerLoads — проекции загрузки менеджеров. Реализуется balancer.LoadBalancer.
type ManagerLoads interface {
	AllManagersLoad(ctx context.Context) ([]balancer.ManagerLoad, error)
	CurrentLoad(ctx context.Context, managerKey string) (*balancer.ManagerLoad, error)
	CalculateWaitTime(ctx context.Context, managerKey string) (*balancer.WaitEstimate, error)
}

type ManagerHandler struct {
	balancer ManagerLoads
}

func NewManagerHandler(lb ManagerLoads) *ManagerHandler {
	return &ManagerHandler{balancer: lb}
}

// Load — текущая загрузка всех активных менеджеров.
func (h *ManagerHandler) Load(c *gin.Context) {
	loads, err := h.balancer.AllManagersLoad(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"managers": loads})
}

// ManagerLoad — загрузка одного менеджера по его ключу из ЦЛ.
func (h *ManagerHandler) ManagerLoad(c *gin.Context) {
	load, err := h.balancer.CurrentLoad(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, load)
}

// WaitTime — оценка ожидания в очереди менеджера.
func (h *ManagerHandler) WaitTime(c *gin.Context) {
	est, err := h.balancer.CalculateWaitTime(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}
