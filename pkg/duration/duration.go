// Package duration parses the human duration strings accepted by workflow
// definitions, most prominently by step sleeps.
//
// The grammar is a single signed decimal number followed by an optional
// space and an optional unit: "500ms", "5s", "1.5h", "-.5h", "2 weeks".
// Bare numbers are milliseconds. Units are case-insensitive. Compound
// strings such as "1h30m" are rejected; so is surrounding whitespace.
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/openworkflow/pkg/errors"
)

// Millisecond factors for each accepted unit. Months and years use the
// civil averages (30.4375 days and 365.25 days).
const (
	millisecond = 1
	second      = 1000 * millisecond
	minute      = 60 * second
	hour        = 60 * minute
	day         = 24 * hour
	week        = 7 * day
	month       = 30.4375 * day
	year        = 365.25 * day
)

var unitMillis = map[string]float64{
	"ms": millisecond, "msec": millisecond, "msecs": millisecond,
	"millisecond": millisecond, "milliseconds": millisecond,

	"s": second, "sec": second, "secs": second,
	"second": second, "seconds": second,

	"m": minute, "min": minute, "mins": minute,
	"minute": minute, "minutes": minute,

	"h": hour, "hr": hour, "hrs": hour,
	"hour": hour, "hours": hour,

	"d": day, "day": day, "days": day,

	"w": week, "week": week, "weeks": week,

	"mo": month, "month": month, "months": month,

	"y": year, "yr": year, "yrs": year,
	"year": year, "years": year,
}

// One signed decimal number, one optional space, one optional unit word.
// Anchored on both ends so compound strings and stray whitespace fail.
var durationPattern = regexp.MustCompile(`^([+-]?(?:\d+(?:\.\d*)?|\.\d+)) ?([A-Za-z]+)?$`)

// Parse converts a duration expression to a time.Duration with millisecond
// resolution. Fractional results round to the nearest millisecond.
func Parse(expr string) (time.Duration, error) {
	matches := durationPattern.FindStringSubmatch(expr)
	if matches == nil {
		return 0, &errors.ValidationError{
			Field:      "duration",
			Message:    fmt.Sprintf("cannot parse %q", expr),
			Suggestion: `use a number followed by one unit, e.g. "500ms", "5s", "1.5h", "2 weeks"`,
		}
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, &errors.ValidationError{
			Field:   "duration",
			Message: fmt.Sprintf("cannot parse number in %q", expr),
		}
	}

	factor := float64(millisecond)
	if unit := matches[2]; unit != "" {
		var ok bool
		factor, ok = unitMillis[strings.ToLower(unit)]
		if !ok {
			return 0, &errors.ValidationError{
				Field:      "duration",
				Message:    fmt.Sprintf("unknown unit %q in %q", unit, expr),
				Suggestion: "valid units: ms, s, m, h, d, w, mo, y (and their long forms)",
			}
		}
	}

	millis := math.Round(value * factor)
	if millis > math.MaxInt64/float64(time.Millisecond) || millis < math.MinInt64/float64(time.Millisecond) {
		return 0, &errors.ValidationError{
			Field:   "duration",
			Message: fmt.Sprintf("duration %q is out of range", expr),
		}
	}

	return time.Duration(millis) * time.Millisecond, nil
}

// Format renders d using the largest unit that divides it evenly, down to
// milliseconds. Sub-millisecond components are truncated first, matching the
// resolution of Parse.
func Format(d time.Duration) string {
	millis := d.Milliseconds()
	if millis == 0 {
		return "0ms"
	}

	for _, u := range []struct {
		suffix string
		factor int64
	}{
		{"y", year},
		{"mo", month},
		{"w", week},
		{"d", day},
		{"h", hour},
		{"m", minute},
		{"s", second},
	} {
		if millis%u.factor == 0 {
			return strconv.FormatInt(millis/u.factor, 10) + u.suffix
		}
	}
	return strconv.FormatInt(millis, 10) + "ms"
}
