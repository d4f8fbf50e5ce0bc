package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/consultation-service/api"
	"github.com/psds-microservice/consultation-service/internal/handler"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const pathSwagger = "/swagger"

func New(cons *handler.ConsultationHandler, managers *handler.ManagerHandler, webhooks *handler.WebhookHandler) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
	r.GET(pathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, pathSwagger+"/") })
	r.GET(pathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = pathSwagger + "/index.html"
			c.Request.RequestURI = pathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/consultations", cons.Create)
		v1.GET("/consultations", cons.List)
		v1.GET("/consultations/:id", cons.Get)
		v1.PATCH("/consultations/:id", cons.Update)
		v1.POST("/consultations/:id/cancel", cons.Cancel)
		v1.GET("/consultations/:id/wait-time", cons.WaitTime)
		v1.GET("/consultations/:id/ratings", cons.Ratings)
		v1.POST("/consultations/:id/ratings", cons.SubmitRatings)

		v1.GET("/managers/load", managers.Load)
		v1.GET("/managers/:key/load", managers.ManagerLoad)
		v1.GET("/managers/:key/wait-time", managers.WaitTime)
	}

	r.POST("/webhooks/chatwoot", webhooks.Chatwoot)

	return r
}
