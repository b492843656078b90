package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/partsmarket/syncengine/internal/model"
)

// Frequencies a schedule may declare. Interval frequencies ignore
// time_of_day; calendar frequencies default to midnight.
const (
	FreqHourly       = "hourly"
	FreqEvery2Hours  = "every_2_hours"
	FreqEvery3Hours  = "every_3_hours"
	FreqEvery4Hours  = "every_4_hours"
	FreqEvery6Hours  = "every_6_hours"
	FreqEvery8Hours  = "every_8_hours"
	FreqEvery12Hours = "every_12_hours"
	FreqDaily        = "daily"
	FreqWeekly       = "weekly"
	FreqMonthly      = "monthly"
)

var intervalHours = map[string]int{
	FreqEvery2Hours:  2,
	FreqEvery3Hours:  3,
	FreqEvery4Hours:  4,
	FreqEvery6Hours:  6,
	FreqEvery8Hours:  8,
	FreqEvery12Hours: 12,
}

var weekdays = map[string]int{
	"sunday": 0, "sun": 0,
	"monday": 1, "mon": 1,
	"tuesday": 2, "tue": 2,
	"wednesday": 3, "wed": 3,
	"thursday": 4, "thu": 4,
	"friday": 5, "fri": 5,
	"saturday": 6, "sat": 6,
}

// CronSpec translates a schedule into a standard five-field cron spec,
// prefixed with CRON_TZ when a timezone is set.
func CronSpec(s model.Schedule) (string, error) {
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return "", err
	}

	var spec string
	switch strings.ToLower(strings.TrimSpace(s.Frequency)) {
	case FreqHourly:
		spec = fmt.Sprintf("%d * * * *", minute)
	case FreqEvery2Hours, FreqEvery3Hours, FreqEvery4Hours,
		FreqEvery6Hours, FreqEvery8Hours, FreqEvery12Hours:
		spec = fmt.Sprintf("%d */%d * * *", minute,
			intervalHours[strings.ToLower(strings.TrimSpace(s.Frequency))])
	case FreqDaily:
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	case FreqWeekly:
		days, err := parseWeekdays(s.DaysOfWeek)
		if err != nil {
			return "", err
		}
		spec = fmt.Sprintf("%d %d * * %s", minute, hour, days)
	case FreqMonthly:
		day := s.DayOfMonth
		if day == 0 {
			day = 1
		}
		if day < 1 || day > 28 {
			// 29-31 silently skip short months; reject rather than surprise
			return "", fmt.Errorf("day of month must be 1-28, got %d", day)
		}
		spec = fmt.Sprintf("%d %d %d * *", minute, hour, day)
	default:
		return "", fmt.Errorf("unknown frequency %q", s.Frequency)
	}

	if s.Timezone != "" {
		spec = "CRON_TZ=" + s.Timezone + " " + spec
	}
	return spec, nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func parseWeekdays(days []string) (string, error) {
	if len(days) == 0 {
		return "1", nil // Monday
	}
	nums := make([]string, 0, len(days))
	seen := map[int]bool{}
	for _, d := range days {
		n, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return "", fmt.Errorf("unknown weekday %q", d)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		nums = append(nums, strconv.Itoa(n))
	}
	return strings.Join(nums, ","), nil
}
