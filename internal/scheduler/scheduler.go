// Package scheduler — реестр фоновых задач сервиса.
//
// Каждая задача описана чистой конфигурацией (расписание + обработчик) и
// защищена собственным флагом выполнения: пока прошлый запуск не завершился,
// новый пропускается. Общего изменяемого состояния между задачами нет.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job — конфигурация одной фоновой задачи.
type Job struct {
	Name string
	// Spec — cron-выражение ("*/5 * * * *") либо @every-форма.
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler владеет задачами на протяжении жизни процесса.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Register добавляет задачу в реестр. Одновременно выполняется не более
// одного экземпляра каждой задачи.
func (s *Scheduler) Register(job Job) error {
	running := new(atomic.Bool)
	_, err := s.cron.AddFunc(job.Spec, func() {
		if !running.CompareAndSwap(false, true) {
			log.Printf("scheduler: %s ещё выполняется, запуск пропущен", job.Name)
			return
		}
		defer running.Store(false)

		start := time.Now()
		if err := job.Run(context.Background()); err != nil {
			log.Printf("scheduler: %s: %v", job.Name, err)
			return
		}
		log.Printf("scheduler: %s выполнена за %s", job.Name, time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs возвращает зарегистрированные задачи.
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start запускает расписание в фоне.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("scheduler: запущен, задач: %d", len(s.jobs))
}

// Stop останавливает расписание и ждёт завершения выполняющихся задач.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("scheduler: остановлен")
}
