// Package balancer — подбор менеджера по текущей загрузке.
//
// Алгоритм:
//  1. Фильтруем менеджеров: включённые, с лимитом, подходящий отдел и рабочее
//     окно для вида обращения, язык, без закрытия очереди на целевую дату.
//  2. Для каждого кандидата считаем load = очередь / лимит.
//  3. Берём кандидата с наименьшей загрузкой; при равенстве — меньший ключ
//     менеджера, чтобы выбор был детерминированным.
package balancer

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/model"
	"gorm.io/gorm"
)

// AccountingDepartment — отдел, обязательный для консультаций по ведению учёта.
const AccountingDepartment = "ИТС консультанты"

type LoadBalancer struct {
	db         *gorm.DB
	avgMinutes int // дефолт средней длительности консультации
}

func New(db *gorm.DB, defaultAvgMinutes int) *LoadBalancer {
	if defaultAvgMinutes <= 0 {
		defaultAvgMinutes = 15
	}
	return &LoadBalancer{db: db, avgMinutes: defaultAvgMinutes}
}

// Candidate — менеджер с посчитанной загрузкой.
type Candidate struct {
	Manager    model.Manager
	QueueCount int64
	Load       float64
}

// ManagerLoad — проекция загрузки для наблюдаемости и планировщика.
type ManagerLoad struct {
	ManagerKey     string  `json:"manager_key"`
	Name           string  `json:"name,omitempty"`
	ChatwootUserID int     `json:"chatwoot_user_id,omitempty"`
	QueueCount     int64   `json:"queue_count"`
	Limit          int     `json:"limit"`
	LoadPercent    float64 `json:"load_percent"`
	AvailableSlots int     `json:"available_slots"`
	StartHour      string  `json:"start_hour,omitempty"`
	EndHour        string  `json:"end_hour,omitempty"`
}

// WaitEstimate — оценка ожидания в очереди менеджера.
type WaitEstimate struct {
	QueuePosition        int64 `json:"queue_position"`
	EstimatedWaitMinutes int64 `json:"estimated_wait_minutes"`
	EstimatedWaitHours   int64 `json:"estimated_wait_hours"`
}

// EligibleManagers возвращает менеджеров, доступных для назначения в момент at.
func (b *LoadBalancer) EligibleManagers(ctx context.Context, at time.Time, consType model.ConsultationType, categoryKey, language string) ([]model.Manager, error) {
	tx := b.db.WithContext(ctx).Model(&model.Manager{}).
		Where("enabled = ? AND deletion_mark = ? AND con_limit > 0", true, false)
	if consType == model.TypeAccounting {
		// Для ведения учёта обязателен профильный отдел и заданное рабочее окно.
		tx = tx.Where("department = ? AND start_hour <> '' AND end_hour <> ''", AccountingDepartment)
	}

	var managers []model.Manager
	if err := tx.Order("manager_key").Find(&managers).Error; err != nil {
		return nil, fmt.Errorf("load managers: %w", err)
	}

	closed, err := b.closedQueues(ctx, at)
	if err != nil {
		return nil, err
	}

	var skilled map[string]bool
	if categoryKey != "" {
		skilled, err = b.skilledManagers(ctx, categoryKey)
		if err != nil {
			return nil, err
		}
	}

	out := managers[:0]
	for _, m := range managers {
		if closed[m.ManagerKey] {
			continue
		}
		if !m.SpeaksLanguage(language) {
			continue
		}
		if !m.WorksAt(at) {
			continue
		}
		if skilled != nil && !skilled[m.ManagerKey] {
			// Без требуемого навыка подходит только универсальный менеджер,
			// и то не для ведения учёта.
			if consType == model.TypeAccounting {
				continue
			}
			universal, err := b.isUniversal(ctx, m.ManagerKey)
			if err != nil {
				return nil, err
			}
			if !universal {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// Select выбирает менеджера с минимальной загрузкой. errs.ErrNoManager —
// вызывающий откатывается на запасного менеджера или откладывает назначение.
func (b *LoadBalancer) Select(ctx context.Context, at time.Time, consType model.ConsultationType, categoryKey, language string) (*model.Manager, error) {
	managers, err := b.EligibleManagers(ctx, at, consType, categoryKey, language)
	if err != nil {
		return nil, err
	}
	if len(managers) == 0 {
		log.Printf("balancer: no eligible managers (type=%s category=%s lang=%s at=%s)",
			consType, categoryKey, language, at.Format(time.RFC3339))
		return nil, errs.ErrNoManager
	}

	cands := make([]Candidate, 0, len(managers))
	for _, m := range managers {
		count, err := b.QueueCount(ctx, m.ManagerKey)
		if err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{
			Manager:    m,
			QueueCount: count,
			Load:       float64(count) / float64(m.ConLimit),
		})
	}

	best := Rank(cands)
	log.Printf("balancer: selected manager %s (queue %d/%d, load %.2f)",
		best.Manager.ManagerKey, best.QueueCount, best.Manager.ConLimit, best.Load)
	return &best.Manager, nil
}

// Rank возвращает кандидата с минимальной загрузкой; при равенстве побеждает
// меньший ключ менеджера. Паникует на пустом срезе — вызывающий проверяет.
func Rank(cands []Candidate) Candidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Load != cands[j].Load {
			return cands[i].Load < cands[j].Load
		}
		return cands[i].Manager.ManagerKey < cands[j].Manager.ManagerKey
	})
	return cands[0]
}

// QueueCount — число открытых/ожидающих заявок менеджера. Считаются заявки из
// всех источников, не только созданные бэкендом.
func (b *LoadBalancer) QueueCount(ctx context.Context, managerKey string) (int64, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("manager = ? AND status IN ? AND denied = ?",
			managerKey, []model.Status{model.StatusOpen, model.StatusPending}, false).
		Count(&count).Error
	return count, err
}

// CurrentLoad — текущая загрузка одного менеджера.
func (b *LoadBalancer) CurrentLoad(ctx context.Context, managerKey string) (*ManagerLoad, error) {
	var m model.Manager
	if err := b.db.WithContext(ctx).Where("manager_key = ?", managerKey).First(&m).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	count, err := b.QueueCount(ctx, managerKey)
	if err != nil {
		return nil, err
	}
	return buildLoad(&m, count), nil
}

// AllManagersLoad — загрузка всех менеджеров с лимитами, отсортированная по
// возрастанию. Рабочее окно не фильтруется: проекция нужна целиком.
func (b *LoadBalancer) AllManagersLoad(ctx context.Context) ([]ManagerLoad, error) {
	var managers []model.Manager
	err := b.db.WithContext(ctx).
		Where("enabled = ? AND deletion_mark = ? AND con_limit > 0", true, false).
		Order("manager_key").Find(&managers).Error
	if err != nil {
		return nil, err
	}
	out := make([]ManagerLoad, 0, len(managers))
	for _, m := range managers {
		count, err := b.QueueCount(ctx, m.ManagerKey)
		if err != nil {
			return nil, err
		}
		out = append(out, *buildLoad(&m, count))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadPercent != out[j].LoadPercent {
			return out[i].LoadPercent < out[j].LoadPercent
		}
		return out[i].ManagerKey < out[j].ManagerKey
	})
	return out, nil
}

// CalculateWaitTime — позиция в очереди и оценка ожидания для менеджера.
func (b *LoadBalancer) CalculateWaitTime(ctx context.Context, managerKey string) (*WaitEstimate, error) {
	count, err := b.QueueCount(ctx, managerKey)
	if err != nil {
		return nil, err
	}
	avg, err := b.averageDurationMinutes(ctx, managerKey)
	if err != nil {
		return nil, err
	}
	est := ComputeWait(count, avg)
	return &est, nil
}

// ComputeWait — чистый расчёт ожидания: позиция = очередь + 1, минуты =
// позиция * средняя длительность, часы округляются и не бывают нулевыми при
// непустой оценке.
func ComputeWait(queueCount int64, avgMinutes int) WaitEstimate {
	position := queueCount + 1
	minutes := position * int64(avgMinutes)
	hours := int64(math.Round(float64(minutes) / 60))
	if hours == 0 && minutes > 0 {
		hours = 1
	}
	return WaitEstimate{
		QueuePosition:        position,
		EstimatedWaitMinutes: minutes,
		EstimatedWaitHours:   hours,
	}
}

// averageDurationMinutes — средняя длительность закрытых консультаций
// менеджера за 30 дней; при отсутствии статистики или значении меньше
// дефолта возвращается дефолт.
func (b *LoadBalancer) averageDurationMinutes(ctx context.Context, managerKey string) (int, error) {
	var avg *float64
	err := b.db.WithContext(ctx).Model(&model.Consultation{}).
		Select("AVG(EXTRACT(EPOCH FROM (end_date - start_date)) / 60)").
		Where("manager = ? AND status IN ? AND denied = ?",
			managerKey, []model.Status{model.StatusResolved, model.StatusClosed}, false).
		Where("start_date IS NOT NULL AND end_date IS NOT NULL").
		Where("end_date >= ?", time.Now().AddDate(0, 0, -30)).
		Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil || *avg <= 0 {
		return b.avgMinutes, nil
	}
	minutes := int(math.Round(*avg))
	if minutes < b.avgMinutes {
		minutes = b.avgMinutes
	}
	return minutes, nil
}

func (b *LoadBalancer) closedQueues(ctx context.Context, at time.Time) (map[string]bool, error) {
	var rows []model.QueueClosing
	day := at.Format("2006-01-02")
	err := b.db.WithContext(ctx).
		Where("period = ?", day).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load queue closings: %w", err)
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.ManagerKey] = true
	}
	return out, nil
}

func (b *LoadBalancer) skilledManagers(ctx context.Context, categoryKey string) (map[string]bool, error) {
	var rows []model.ManagerSkill
	err := b.db.WithContext(ctx).Where("category_key = ?", categoryKey).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.ManagerKey] = true
	}
	return out, nil
}

func (b *LoadBalancer) isUniversal(ctx context.Context, managerKey string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&model.ManagerSkill{}).
		Where("manager_key = ?", managerKey).
		Count(&count).Error
	return count == 0, err
}

func buildLoad(m *model.Manager, queueCount int64) *ManagerLoad {
	loadPercent := 0.0
	slots := 0
	if m.ConLimit > 0 {
		loadPercent = math.Min(100, float64(queueCount)/float64(m.ConLimit)*100)
		if free := m.ConLimit - int(queueCount); free > 0 {
			slots = free
		}
	}
	return &ManagerLoad{
		ManagerKey:     m.ManagerKey,
		Name:           m.Name,
		ChatwootUserID: m.ChatwootUserID,
		QueueCount:     queueCount,
		Limit:          m.ConLimit,
		LoadPercent:    math.Round(loadPercent*100) / 100,
		AvailableSlots: slots,
		StartHour:      m.StartHour,
		EndHour:        m.EndHour,
	}
}
