package schedule

import (
	"testing"
	"time"
)

func dt(day int, hhmm string) time.Time {
	parsed, _ := time.Parse("15:04", hhmm)
	return time.Date(2026, 3, day, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
}

func TestSnapIntoWindowKeepsValidTime(t *testing.T) {
	in := dt(2, "11:30")
	if got := SnapIntoWindow(in, "09:00", "18:00"); !got.Equal(in) {
		t.Errorf("time inside window must be returned unchanged, got %s", got)
	}
}

func TestSnapIntoWindowBeforeStart(t *testing.T) {
	got := SnapIntoWindow(dt(2, "07:15"), "09:00", "18:00")
	if want := dt(2, "09:00"); !got.Equal(want) {
		t.Errorf("before window start must snap to today's start, got %s want %s", got, want)
	}
}

func TestSnapIntoWindowAfterEnd(t *testing.T) {
	got := SnapIntoWindow(dt(2, "19:40"), "09:00", "18:00")
	if want := dt(3, "09:00"); !got.Equal(want) {
		t.Errorf("after window end must snap to next day's start, got %s want %s", got, want)
	}
}

func TestAdjustToPoolAcceptsTimeInsideSomeWindow(t *testing.T) {
	windows := func(day time.Time) [][2]string {
		return [][2]string{{"08:00", "12:00"}, {"14:00", "20:00"}}
	}
	in := dt(2, "15:00")
	got, degraded := AdjustToPool(in, 7, windows)
	if degraded || !got.Equal(in) {
		t.Errorf("valid time must stay unchanged, got %s (degraded=%v)", got, degraded)
	}
}

func TestAdjustToPoolEarlyMorningSnapsToSameDay(t *testing.T) {
	// В 07:00 все окна ещё закрыты; ближайший старт — сегодня же в 09:00,
	// не завтра.
	windows := func(day time.Time) [][2]string {
		return [][2]string{{"09:00", "18:00"}, {"10:00", "16:00"}}
	}
	got, degraded := AdjustToPool(dt(2, "07:00"), 7, windows)
	if degraded {
		t.Fatal("horizon must not be exhausted")
	}
	if want := dt(2, "09:00"); !got.Equal(want) {
		t.Errorf("must snap to today's earliest window start, got %s want %s", got, want)
	}
}

func TestAdjustToPoolScansForward(t *testing.T) {
	// Сегодня окон нет, через два дня очередь открывается в 10:00.
	windows := func(day time.Time) [][2]string {
		if day.Day() >= 4 {
			return [][2]string{{"10:00", "18:00"}, {"12:00", "16:00"}}
		}
		return nil
	}
	got, degraded := AdjustToPool(dt(2, "15:00"), 7, windows)
	if degraded {
		t.Fatal("horizon must not be exhausted")
	}
	if want := dt(4, "10:00"); !got.Equal(want) {
		t.Errorf("must pick earliest window start on the first eligible day, got %s want %s", got, want)
	}
}

func TestAdjustToPoolFallsBackAfterHorizon(t *testing.T) {
	windows := func(day time.Time) [][2]string { return nil }
	got, degraded := AdjustToPool(dt(2, "15:00"), 7, windows)
	if !degraded {
		t.Fatal("exhausted horizon must be reported as degraded")
	}
	if want := dt(9, "09:00"); !got.Equal(want) {
		t.Errorf("fallback must be 09:00 exactly 7 days out, got %s want %s", got, want)
	}
}

func TestAdjustToPoolIdempotentOnValidTimes(t *testing.T) {
	windows := func(day time.Time) [][2]string {
		return [][2]string{{"09:00", "18:00"}}
	}
	in := dt(2, "10:00")
	first, _ := AdjustToPool(in, 7, windows)
	second, _ := AdjustToPool(first, 7, windows)
	if !first.Equal(second) {
		t.Errorf("adjustment must be idempotent on valid times: %s vs %s", first, second)
	}
}
