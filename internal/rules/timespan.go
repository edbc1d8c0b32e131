package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimespan разбирает продолжительность.
//
// Поддерживаются:
//   - числа и строки из цифр — секунды ("90", 90)
//   - Go-длительности ("1h30m", "45s")
//   - дни с необязательным остатком ("2d", "1d12h")
//   - часы:минуты:секунды и минуты:секунды ("1:30:00", "05:00")
func ParseTimespan(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return x, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		return parseTimespanString(strings.TrimSpace(x))
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimespan, v)
	}
}

func parseTimespanString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	if strings.Contains(s, ":") {
		return parseClock(s)
	}

	if i := strings.IndexByte(s, 'd'); i > 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimespan, s)
		}
		total := time.Duration(days) * 24 * time.Hour
		if rest := s[i+1:]; rest != "" {
			d, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidTimespan, s)
			}
			total += d
		}
		return total, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimespan, s)
	}
	return d, nil
}

// parseClock разбирает H:MM:SS или MM:SS.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimespan, s)
	}

	var total time.Duration
	units := []time.Duration{time.Second, time.Minute, time.Hour}
	for i := range parts {
		part := parts[len(parts)-1-i]
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimespan, s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// FormatTimespan форматирует продолжительность как H:MM:SS.
func FormatTimespan(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%d:%02d:%02d", h, m, d/time.Second)
}
