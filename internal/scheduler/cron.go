package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений: 5 полей или дескриптор (@hourly, @every 5m).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule парсит cron-выражение и часовой пояс.
// Пустой timezone означает UTC.
func ParseSchedule(expr, timezone string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, timezone, err)
		}
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, loc, nil
}

// ValidateSchedule проверяет cron-выражение и часовой пояс.
func ValidateSchedule(expr, timezone string) error {
	_, _, err := ParseSchedule(expr, timezone)
	return err
}

// CalculateNextDue вычисляет следующее срабатывание строго после from.
// Расписание вычисляется в loc, результат возвращается в UTC.
func CalculateNextDue(sched cron.Schedule, loc *time.Location, from time.Time) time.Time {
	return sched.Next(from.In(loc)).UTC()
}

// FirstDue вычисляет первое срабатывание после запуска процесса.
// Срабатывания раньше startDate пропускаются, срабатывание ровно
// в startDate выполняется.
func FirstDue(sched cron.Schedule, loc *time.Location, now time.Time, startDate *time.Time) time.Time {
	from := now
	if startDate != nil && startDate.After(now) {
		from = startDate.Add(-time.Nanosecond)
	}
	return CalculateNextDue(sched, loc, from)
}

// LatestDue возвращает последнее срабатывание, не позже now, начиная с due.
// Используется, когда тик опоздал на несколько интервалов: выполняется
// только самый свежий из пропущенных.
func LatestDue(sched cron.Schedule, loc *time.Location, due, now time.Time) time.Time {
	for {
		next := CalculateNextDue(sched, loc, due)
		if next.After(now) {
			return due
		}
		due = next
	}
}
