package model

import "time"

// ClockMinutes разбирает время вида "15:04" в минуты от полуночи.
func ClockMinutes(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// WindowContains проверяет попадание момента t в окно [start, end] формата
// "15:04". Окно может переходить через полночь (start > end). Пустые границы
// трактуются как круглосуточная доступность.
func WindowContains(startHour, endHour string, t time.Time) bool {
	if startHour == "" && endHour == "" {
		return true
	}
	start, okS := ClockMinutes(startHour)
	end, okE := ClockMinutes(endHour)
	if !okS || !okE {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	// Смена через полночь: вечер после начала или утро до конца.
	return cur >= start || cur <= end
}

// WorksAt сообщает, рабочее ли у менеджера время в момент t.
func (m *Manager) WorksAt(t time.Time) bool {
	if !m.HasWindow() {
		return true
	}
	return WindowContains(m.StartHour, m.EndHour, t)
}
