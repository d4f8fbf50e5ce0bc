package balancer

import (
	"testing"
	"time"

	"github.com/psds-microservice/consultation-service/internal/model"
)

func cand(key string, queue int64, limit int) Candidate {
	return Candidate{
		Manager:    model.Manager{ManagerKey: key, ConLimit: limit},
		QueueCount: queue,
		Load:       float64(queue) / float64(limit),
	}
}

func TestRankPicksLowestLoad(t *testing.T) {
	cands := []Candidate{
		cand("m-3", 4, 5), // 0.8
		cand("m-1", 1, 5), // 0.2
		cand("m-2", 3, 10), // 0.3
	}
	best := Rank(cands)
	if best.Manager.ManagerKey != "m-1" {
		t.Errorf("expected m-1 (load 0.2), got %s (load %.2f)", best.Manager.ManagerKey, best.Load)
	}
}

func TestRankDeterministicOnTies(t *testing.T) {
	// Одинаковая загрузка — побеждает меньший ключ, независимо от порядка входа.
	orders := [][]Candidate{
		{cand("m-b", 2, 10), cand("m-a", 1, 5), cand("m-c", 4, 20)},
		{cand("m-c", 4, 20), cand("m-b", 2, 10), cand("m-a", 1, 5)},
		{cand("m-a", 1, 5), cand("m-c", 4, 20), cand("m-b", 2, 10)},
	}
	for _, cands := range orders {
		best := Rank(cands)
		if best.Manager.ManagerKey != "m-a" {
			t.Errorf("tie-break must pick lowest manager key, got %s", best.Manager.ManagerKey)
		}
	}
}

func TestComputeWait(t *testing.T) {
	cases := []struct {
		queue       int64
		avg         int
		wantPos     int64
		wantMinutes int64
		wantHours   int64
	}{
		{0, 15, 1, 15, 1},   // пустая очередь: следующий, но не нулевое ожидание
		{3, 15, 4, 60, 1},
		{5, 30, 6, 180, 3},
		{2, 20, 3, 60, 1},
		{9, 15, 10, 150, 3}, // 2.5 часа округляется вверх
	}
	for _, c := range cases {
		got := ComputeWait(c.queue, c.avg)
		if got.QueuePosition != c.wantPos || got.EstimatedWaitMinutes != c.wantMinutes || got.EstimatedWaitHours != c.wantHours {
			t.Errorf("ComputeWait(%d, %d) = %+v, want pos=%d min=%d hours=%d",
				c.queue, c.avg, got, c.wantPos, c.wantMinutes, c.wantHours)
		}
	}
}

func TestWindowContains(t *testing.T) {
	at := func(hhmm string) time.Time {
		parsed, _ := time.Parse("15:04", hhmm)
		return time.Date(2026, 3, 2, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	}
	cases := []struct {
		start, end, now string
		want            bool
	}{
		{"09:00", "18:00", "10:30", true},
		{"09:00", "18:00", "08:59", false},
		{"09:00", "18:00", "18:00", true},
		{"09:00", "18:00", "18:01", false},
		{"22:00", "06:00", "23:30", true}, // смена через полночь
		{"22:00", "06:00", "05:00", true},
		{"22:00", "06:00", "12:00", false},
		{"", "", "03:00", true}, // без окна — всегда доступен
	}
	for _, c := range cases {
		if got := model.WindowContains(c.start, c.end, at(c.now)); got != c.want {
			t.Errorf("WindowContains(%q, %q, %s) = %v, want %v", c.start, c.end, c.now, got, c.want)
		}
	}
}
