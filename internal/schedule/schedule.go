// Package schedule — подгонка желаемого времени консультации под рабочие окна.
//
// Результат всегда не в прошлом и попадает в окно какого-нибудь доступного
// менеджера (либо в фиксированное окно техподдержки). Если в горизонте
// планирования окна не нашлось, возвращается деградированный, но рабочий
// вариант: 09:00 через horizon дней.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/psds-microservice/consultation-service/internal/balancer"
	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/model"
	"gorm.io/gorm"
)

// fallbackHour — час деградированного варианта при исчерпанном горизонте.
const fallbackHour = 9

type Scheduler struct {
	db           *gorm.DB
	horizonDays  int
	supportStart string
	supportEnd   string
	now          func() time.Time
}

func New(db *gorm.DB, horizonDays int, supportStart, supportEnd string) *Scheduler {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	return &Scheduler{
		db:           db,
		horizonDays:  horizonDays,
		supportStart: supportStart,
		supportEnd:   supportEnd,
		now:          time.Now,
	}
}

// Adjust возвращает ближайшее допустимое время для консультации.
// managerKey задаёт заранее выбранного менеджера (его окно обязательно);
// для техподдержки вместо персональных окон действует окно организации.
func (s *Scheduler) Adjust(ctx context.Context, desired time.Time, managerKey string, consType model.ConsultationType) (time.Time, error) {
	now := s.now()
	if desired.Before(now) {
		desired = now
	}

	if managerKey != "" {
		var m model.Manager
		err := s.db.WithContext(ctx).Where("manager_key = ?", managerKey).First(&m).Error
		if err == gorm.ErrRecordNotFound {
			return time.Time{}, fmt.Errorf("%w: manager %s", errs.ErrNotFound, managerKey)
		}
		if err != nil {
			return time.Time{}, err
		}
		if !m.HasWindow() {
			return desired, nil
		}
		return SnapIntoWindow(desired, m.StartHour, m.EndHour), nil
	}

	if consType == model.TypeSupport {
		// У техподдержки единое окно организации вместо персональных.
		return SnapIntoWindow(desired, s.supportStart, s.supportEnd), nil
	}

	windowsFor, err := s.poolWindows(ctx, desired, consType)
	if err != nil {
		return time.Time{}, err
	}
	adjusted, degraded := AdjustToPool(desired, s.horizonDays, windowsFor)
	if degraded {
		log.Printf("schedule: no eligible window within %d days, falling back to %s",
			s.horizonDays, adjusted.Format(time.RFC3339))
	}
	return adjusted, nil
}

// SnapIntoWindow прижимает t к окну [startHour, endHour]:
// попадание возвращается как есть; до начала окна — старт окна в тот же день;
// после конца — старт окна на следующий день.
func SnapIntoWindow(t time.Time, startHour, endHour string) time.Time {
	if model.WindowContains(startHour, endHour, t) {
		return t
	}
	start, ok := model.ClockMinutes(startHour)
	if !ok {
		return t
	}
	cur := t.Hour()*60 + t.Minute()
	at := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, day.Location())
	}
	if cur < start {
		return at(t)
	}
	return at(t.AddDate(0, 0, 1))
}

// AdjustToPool — чистое ядро подгонки по пулу менеджеров. windowsFor(day)
// возвращает рабочие окна доступных в этот день менеджеров. Второе значение
// true — горизонт исчерпан и применён деградированный вариант.
func AdjustToPool(desired time.Time, horizonDays int, windowsFor func(day time.Time) [][2]string) (time.Time, bool) {
	// День 0: если время уже в чьём-то окне, не трогаем.
	for _, w := range windowsFor(desired) {
		if model.WindowContains(w[0], w[1], desired) {
			return desired, false
		}
	}
	// День 0: окно ещё не открылось — ближайший старт позже желаемого времени.
	cur := desired.Hour()*60 + desired.Minute()
	if start, ok := earliestStartAfter(desired, windowsFor(desired), cur); ok {
		return start, false
	}
	// Скан вперёд: первый старт окна среди доступных менеджеров дня.
	for offset := 1; offset <= horizonDays; offset++ {
		day := desired.AddDate(0, 0, offset)
		if start, ok := earliestStart(day, windowsFor(day)); ok {
			return start, false
		}
	}
	day := desired.AddDate(0, 0, horizonDays)
	return time.Date(day.Year(), day.Month(), day.Day(), fallbackHour, 0, 0, 0, day.Location()), true
}

func earliestStart(day time.Time, windows [][2]string) (time.Time, bool) {
	return earliestStartAfter(day, windows, -1)
}

// earliestStartAfter — самый ранний старт окна строго позже after (минуты от
// полуночи); after < 0 снимает ограничение.
func earliestStartAfter(day time.Time, windows [][2]string, after int) (time.Time, bool) {
	best := -1
	for _, w := range windows {
		start, ok := model.ClockMinutes(w[0])
		if !ok || start <= after {
			continue
		}
		if best == -1 || start < best {
			best = start
		}
	}
	if best == -1 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), best/60, best%60, 0, 0, day.Location()), true
}

// poolWindows загружает менеджеров и закрытия очередей на горизонт одним
// проходом и отдаёт замыкание для AdjustToPool.
func (s *Scheduler) poolWindows(ctx context.Context, from time.Time, consType model.ConsultationType) (func(day time.Time) [][2]string, error) {
	tx := s.db.WithContext(ctx).Model(&model.Manager{}).
		Where("enabled = ? AND deletion_mark = ? AND con_limit > 0", true, false)
	if consType == model.TypeAccounting {
		tx = tx.Where("department = ? AND start_hour <> '' AND end_hour <> ''", balancer.AccountingDepartment)
	}
	var managers []model.Manager
	if err := tx.Find(&managers).Error; err != nil {
		return nil, fmt.Errorf("load managers: %w", err)
	}

	var closings []model.QueueClosing
	err := s.db.WithContext(ctx).
		Where("period BETWEEN ? AND ?",
			from.Format("2006-01-02"),
			from.AddDate(0, 0, s.horizonDays).Format("2006-01-02")).
		Find(&closings).Error
	if err != nil {
		return nil, fmt.Errorf("load queue closings: %w", err)
	}
	closed := make(map[string]map[string]bool)
	for _, c := range closings {
		day := c.Period.Format("2006-01-02")
		if closed[day] == nil {
			closed[day] = make(map[string]bool)
		}
		closed[day][c.ManagerKey] = true
	}

	return func(day time.Time) [][2]string {
		key := day.Format("2006-01-02")
		var out [][2]string
		for _, m := range managers {
			if closed[key][m.ManagerKey] {
				continue
			}
			if !m.HasWindow() {
				// Менеджер без окна доступен всегда: текущий момент подходит.
				out = append(out, [2]string{"00:00", "23:59"})
				continue
			}
			out = append(out, [2]string{m.StartHour, m.EndHour})
		}
		return out
	}, nil
}
