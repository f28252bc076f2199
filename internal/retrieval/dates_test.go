package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseDateRange(t *testing.T) {
	now := date(2024, time.August, 15)

	cases := []struct {
		q          string
		start, end time.Time
	}{
		{"invoices from Q2 2024", date(2024, time.April, 1), date(2024, time.June, 30)},
		{"spend in Q1 2024", date(2024, time.January, 1), date(2024, time.March, 31)},
		{"report for Q1 FY2024", date(2024, time.April, 1), date(2024, time.June, 30)},
		{"report for Q4 FY2023", date(2024, time.January, 1), date(2024, time.March, 31)},
		{"last 30 days", date(2024, time.July, 16), date(2024, time.August, 15)},
		{"last 2 weeks", date(2024, time.August, 1), date(2024, time.August, 15)},
		{"last 3 months", date(2024, time.May, 15), date(2024, time.August, 15)},
		{"totals for last month", date(2024, time.July, 1), date(2024, time.July, 31)},
		{"spend last year", date(2023, time.January, 1), date(2023, time.December, 31)},
		{"invoices this quarter", date(2024, time.July, 1), date(2024, time.September, 30)},
		{"invoices last quarter", date(2024, time.April, 1), date(2024, time.June, 30)},
		{"bills from March 2024", date(2024, time.March, 1), date(2024, time.March, 31)},
	}
	for _, tc := range cases {
		got := ParseDateRange(tc.q, now)
		require.NotNil(t, got, tc.q)
		assert.Equal(t, tc.start, got.Start, tc.q)
		assert.Equal(t, tc.end, got.End, tc.q)
	}

	assert.Nil(t, ParseDateRange("what is the termination clause", now))
}

func TestIsNumericQuery(t *testing.T) {
	assert.True(t, IsNumericQuery("what is the total amount due"))
	assert.True(t, IsNumericQuery("fees for 2024"))
	assert.False(t, IsNumericQuery("summarize the onboarding policy"))
}
