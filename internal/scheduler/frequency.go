package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей, без секунд).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Frequency — период срабатывания schedule.
type Frequency interface {
	// Next возвращает ближайшее время срабатывания строго после now,
	// отсчитанное от предыдущего времени prev без накопления дрейфа.
	Next(prev, now time.Time) time.Time
	String() string
}

// ParseFrequency разбирает описание периода.
//
// Поддерживаются:
//   - "every 5m", "every 30 minutes", "every hour", "every 2 days"
//   - Go duration: "90s", "1h30m"
//   - cron из 5 полей: "*/5 * * * *"
func ParseFrequency(s string) (Frequency, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFrequency)
	}

	if len(strings.Fields(raw)) == 5 {
		sched, err := cronParser.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parse cron expression %q: %v", ErrInvalidFrequency, raw, err)
		}
		return cronFrequency{expr: raw, schedule: sched}, nil
	}

	d, err := parseInterval(raw)
	if err != nil {
		return nil, err
	}
	if d < time.Second {
		return nil, fmt.Errorf("%w: %q is shorter than 1s", ErrInvalidFrequency, raw)
	}
	return intervalFrequency{raw: raw, every: d}, nil
}

// ValidateFrequency проверяет описание периода.
func ValidateFrequency(s string) error {
	_, err := ParseFrequency(s)
	return err
}

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

func parseInterval(raw string) (time.Duration, error) {
	s := strings.ToLower(raw)
	s = strings.TrimSpace(strings.TrimPrefix(s, "every"))

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		// "hour", "day", "5m"
		if unit, ok := intervalUnits[fields[0]]; ok {
			return unit, nil
		}
		return splitNumberUnit(fields[0], raw)
	case 2:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
		}
		unit, ok := intervalUnits[fields[1]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidFrequency, raw)
		}
		return time.Duration(n) * unit, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
}

// splitNumberUnit разбирает слитную запись вида "2d".
func splitNumberUnit(s, raw string) (time.Duration, error) {
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
	}
	unit, ok := intervalUnits[s[i:]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidFrequency, raw)
	}
	return time.Duration(n) * unit, nil
}

type intervalFrequency struct {
	raw   string
	every time.Duration
}

func (f intervalFrequency) Next(prev, now time.Time) time.Time {
	next := prev.Add(f.every)
	if next.After(now) {
		return next.UTC()
	}
	// Пропущенные слоты не догоняются: прыгаем сразу к первому слоту после now.
	k := now.Sub(prev)/f.every + 1
	return prev.Add(k * f.every).UTC()
}

func (f intervalFrequency) String() string {
	return f.raw
}

type cronFrequency struct {
	expr     string
	schedule cron.Schedule
}

func (f cronFrequency) Next(prev, now time.Time) time.Time {
	next := f.schedule.Next(prev)
	if next.After(now) {
		return next.UTC()
	}
	// Слоты cron абсолютны: первый слот после now не зависит от prev.
	return f.schedule.Next(now).UTC()
}

func (f cronFrequency) String() string {
	return f.expr
}
