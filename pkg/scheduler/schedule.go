package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes occurrence times for recurring syncs.
type Schedule interface {
	// Next returns the first occurrence after from.
	Next(from time.Time) time.Time
}

// scheduleFunc adapts a plain function to the Schedule interface.
type scheduleFunc func(time.Time) time.Time

func (f scheduleFunc) Next(from time.Time) time.Time { return f(from) }

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return scheduleFunc(func(from time.Time) time.Time {
		return from.Add(d)
	})
}

// Daily creates a schedule that runs at a specific UTC time each day.
// A from exactly on the occurrence resolves to the next day.
func Daily(hour, minute int) Schedule {
	return scheduleFunc(func(from time.Time) time.Time {
		from = from.UTC()
		next := atClock(from, hour, minute)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	})
}

// Weekly creates a schedule that runs at a specific day and UTC time
// each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return scheduleFunc(func(from time.Time) time.Time {
		from = from.UTC()
		next := atClock(from, hour, minute).AddDate(0, 0, daysUntil(from.Weekday(), day))
		if !next.After(from) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	})
}

// Cron creates a schedule from a standard five-field cron expression.
// It panics on an invalid expression; schedules are wired at startup
// where a bad expression is a programming error.
func Cron(expr string) Schedule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(expr)
	if err != nil {
		panic("scmsync: invalid cron expression: " + err.Error())
	}
	return scheduleFunc(parsed.Next)
}

// atClock returns the given wall-clock time on from's date, in UTC.
func atClock(from time.Time, hour, minute int) time.Time {
	return time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
}

func daysUntil(now, target time.Weekday) int {
	d := int(target - now)
	if d < 0 {
		d += 7
	}
	return d
}
