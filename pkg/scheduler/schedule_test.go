package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery(t *testing.T) {
	s := Every(15 * time.Minute)
	now := time.Now()

	assert.Equal(t, now.Add(15*time.Minute), s.Next(now))
}

func TestEvery_Chained(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), next2)
}

func TestDaily(t *testing.T) {
	s := Daily(3, 15)

	from := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 15, 0, 0, time.UTC), s.Next(from))
}

func TestDaily_RollsToNextDay(t *testing.T) {
	s := Daily(3, 15)

	from := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 15, 0, 0, time.UTC), s.Next(from))
}

func TestDaily_ExactlyAtOccurrence(t *testing.T) {
	s := Daily(3, 15)

	// At the occurrence itself the next one is tomorrow.
	from := time.Date(2026, 3, 2, 3, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 15, 0, 0, time.UTC), s.Next(from))
}

func TestWeekly(t *testing.T) {
	s := Weekly(time.Sunday, 2, 0)

	// 2026-03-02 is a Monday.
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 8, 2, 0, 0, 0, time.UTC), s.Next(from))
}

func TestWeekly_SameDayBeforeTime(t *testing.T) {
	s := Weekly(time.Monday, 22, 0)

	from := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), s.Next(from))
}

func TestWeekly_SameDayAfterTime(t *testing.T) {
	s := Weekly(time.Monday, 10, 0)

	from := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron(t *testing.T) {
	s := Cron("0 4 * * *")

	next := s.Next(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC))
	assert.Equal(t, 4, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestCron_Weekdays(t *testing.T) {
	s := Cron("30 2 * * 1-5")

	// From a Saturday the next run is Monday.
	next := s.Next(time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 30, next.Minute())
}

func TestCron_InvalidExpressionPanics(t *testing.T) {
	assert.Panics(t, func() {
		Cron("every full moon")
	})
}
