package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateRange is an inclusive date window parsed from a query.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

var (
	lastNRx     = regexp.MustCompile(`(?i)\blast\s+(\d{1,3})\s+(day|week|month)s?\b`)
	quarterRx   = regexp.MustCompile(`(?i)\bq([1-4])\s*(\d{4})\b`)
	fiscalQRx   = regexp.MustCompile(`(?i)\bq([1-4])\s*fy\s*(\d{4})\b`)
	monthYearRx = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec)\s+(\d{4})\b`)
	thisQuarter = regexp.MustCompile(`(?i)\bthis\s+quarter\b`)
	lastQuarter = regexp.MustCompile(`(?i)\blast\s+quarter\b`)
	lastMonthRx = regexp.MustCompile(`(?i)\blast\s+month\b`)
	lastYearRx  = regexp.MustCompile(`(?i)\blast\s+year\b`)
)

var monthsByName = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// ParseDateRange detects a natural-language date window in the query. Fiscal
// quarters start in April.
func ParseDateRange(q string, now time.Time) *DateRange {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if m := fiscalQRx.FindStringSubmatch(q); m != nil {
		qn, _ := strconv.Atoi(m[1])
		fy, _ := strconv.Atoi(m[2])
		startMonth := time.Month(4 + (qn-1)*3)
		year := fy
		if startMonth > 12 {
			startMonth -= 12
			year++
		}
		start := time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC)
		return &DateRange{Start: start, End: endOfMonth(start.AddDate(0, 2, 0)), Label: strings.ToUpper(m[0])}
	}
	if m := quarterRx.FindStringSubmatch(q); m != nil {
		qn, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		start := time.Date(year, time.Month(1+(qn-1)*3), 1, 0, 0, 0, 0, time.UTC)
		return &DateRange{Start: start, End: endOfMonth(start.AddDate(0, 2, 0)), Label: strings.ToUpper(m[0])}
	}
	if m := lastNRx.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		var start time.Time
		switch strings.ToLower(m[2]) {
		case "day":
			start = today.AddDate(0, 0, -n)
		case "week":
			start = today.AddDate(0, 0, -7*n)
		case "month":
			start = today.AddDate(0, -n, 0)
		}
		return &DateRange{Start: start, End: today, Label: strings.ToLower(m[0])}
	}
	if lastMonthRx.MatchString(q) {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		start := first.AddDate(0, -1, 0)
		return &DateRange{Start: start, End: first.AddDate(0, 0, -1), Label: "last month"}
	}
	if lastYearRx.MatchString(q) {
		start := time.Date(now.Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC)
		return &DateRange{Start: start, End: time.Date(now.Year()-1, time.December, 31, 0, 0, 0, 0, time.UTC), Label: "last year"}
	}
	if thisQuarter.MatchString(q) {
		start := quarterStart(now)
		return &DateRange{Start: start, End: endOfMonth(start.AddDate(0, 2, 0)), Label: "this quarter"}
	}
	if lastQuarter.MatchString(q) {
		start := quarterStart(now).AddDate(0, -3, 0)
		return &DateRange{Start: start, End: endOfMonth(start.AddDate(0, 2, 0)), Label: "last quarter"}
	}
	if m := monthYearRx.FindStringSubmatch(q); m != nil {
		month := monthsByName[strings.ToLower(m[1])]
		year, _ := strconv.Atoi(m[2])
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		return &DateRange{Start: start, End: endOfMonth(start), Label: m[0]}
	}
	return nil
}

func quarterStart(t time.Time) time.Time {
	month := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
}

func endOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
}
