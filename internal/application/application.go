// Package application собирает сервис: миграции, база, адаптеры внешних
// систем, оркестратор, HTTP-сервер и фоновые задачи.
package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/psds-microservice/consultation-service/internal/balancer"
	"github.com/psds-microservice/consultation-service/internal/chatwoot"
	"github.com/psds-microservice/consultation-service/internal/config"
	"github.com/psds-microservice/consultation-service/internal/database"
	"github.com/psds-microservice/consultation-service/internal/handler"
	"github.com/psds-microservice/consultation-service/internal/idempotency"
	"github.com/psds-microservice/consultation-service/internal/kafka"
	"github.com/psds-microservice/consultation-service/internal/onec"
	"github.com/psds-microservice/consultation-service/internal/router"
	"github.com/psds-microservice/consultation-service/internal/schedule"
	"github.com/psds-microservice/consultation-service/internal/scheduler"
	"github.com/psds-microservice/consultation-service/internal/service"
	"golang.org/x/sync/errgroup"
)

// API приложение: HTTP-сервер + фоновые задачи (режим api).
type API struct {
	cfg      *config.Config
	httpSrv  *http.Server
	jobs     *scheduler.Scheduler
	producer *kafka.Producer
}

// NewAPI создаёт приложение для режима api.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	chatwootClient := chatwoot.NewClient(cfg.Chatwoot.BaseURL, cfg.Chatwoot.APIToken, cfg.Chatwoot.AccountID, cfg.Chatwoot.InboxID)
	onecClient := onec.NewClient(cfg.OData.BaseURL, cfg.OData.User, cfg.OData.Password, cfg.OData.PageSize)
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)

	lb := balancer.New(db, cfg.AvgConsMinutes)
	timeAdjuster := schedule.New(db, cfg.ScheduleHorizonDays, cfg.SupportWindowStart, cfg.SupportWindowEnd)
	idemStore := idempotency.NewStore(db, idempotency.DefaultTTL)

	consSvc := service.NewConsultationService(
		service.NewStore(db),
		chatwootClient,
		onecClient,
		lb,
		timeAdjuster,
		idemStore,
		idempotency.RequestHash,
		producer,
		service.Options{
			DailyConsLimit:    cfg.DailyConsLimit,
			CancelWindowMin:   cfg.CancelWindowMin,
			DefaultManagerKey: cfg.DefaultManagerKey,
		},
	)

	jobs := scheduler.New()
	if err := jobs.Register(scheduler.Job{
		Name: "chatwoot-status-reconcile",
		Spec: "@every 5m",
		Run: func(ctx context.Context) error {
			applied, err := consSvc.ReconcileOnce(ctx, 200)
			if err != nil {
				return err
			}
			if applied > 0 {
				log.Printf("reconcile: применено статусов: %d", applied)
			}
			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("register reconcile job: %w", err)
	}
	if err := jobs.Register(scheduler.Job{
		Name: "idempotency-purge",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			n, err := idemStore.Purge(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("idempotency: удалено просроченных ключей: %d", n)
			}
			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("register purge job: %w", err)
	}
	if err := jobs.Register(scheduler.Job{
		Name: "rating-aggregate-resync",
		Spec: "@every 10m",
		Run: func(ctx context.Context) error {
			n, err := consSvc.ResyncRatings(ctx, 500)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("ratings: пересобрано агрегатов: %d", n)
			}
			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("register rating resync job: %w", err)
	}

	consHandler := handler.NewConsultationHandler(consSvc, lb)
	managerHandler := handler.NewManagerHandler(lb)
	webhookHandler := handler.NewWebhookHandler(consSvc, cfg.Chatwoot.WebhookToken)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.New(consHandler, managerHandler, webhookHandler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:      cfg,
		httpSrv:  httpSrv,
		jobs:     jobs,
		producer: producer,
	}, nil
}

// Run запускает HTTP-сервер и фоновые задачи, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", a.httpSrv.Addr)
	log.Printf("  Swagger UI:    %s/swagger", base)
	log.Printf("  Swagger spec:  %s/swagger/openapi.json", base)
	log.Printf("  Health:        %s/health", base)
	log.Printf("  API v1:        %s/api/v1/", base)

	a.jobs.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		a.jobs.Stop()
		if err := a.producer.Close(); err != nil {
			log.Printf("kafka: close: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// RunJobs запускает только фоновые задачи, без HTTP-сервера (режим scheduler).
func (a *API) RunJobs(ctx context.Context) error {
	for _, j := range a.jobs.Jobs() {
		log.Printf("scheduler: job %q (%s)", j.Name, j.Spec)
	}
	a.jobs.Start()
	<-ctx.Done()
	a.jobs.Stop()
	if err := a.producer.Close(); err != nil {
		log.Printf("kafka: close: %v", err)
	}
	return nil
}
