package retention

import (
	"time"

	"github.com/dlclark/regexp2"
)

type datePattern struct {
	re     *regexp2.Regexp
	group  string
	layout string
}

// Tried in order; a match that is not a real calendar date falls through to
// the next pattern.
var datePatterns = []datePattern{
	{regexp2.MustCompile(`(?<!\d)(?<ymd>\d{8})_(?<hms>\d{6})(?!\d)`, regexp2.None), "ymd", "20060102"},
	{regexp2.MustCompile(`(?<!\d)(?<date>\d{4}-\d{2}-\d{2})(?!\d)`, regexp2.None), "date", "2006-01-02"},
	{regexp2.MustCompile(`(?<!\d)(?<ymd>\d{8})(?!\d)`, regexp2.None), "ymd", "20060102"},
}

func init() {
	for _, p := range datePatterns {
		p.re.MatchTimeout = time.Second
	}
}

// dateFromName returns the calendar date embedded in a file name.
func dateFromName(name string) (time.Time, bool) {
	for _, p := range datePatterns {
		m, err := p.re.FindStringMatch(name)
		if err != nil || m == nil {
			continue
		}
		g := m.GroupByName(p.group)
		if g == nil {
			continue
		}
		d, err := time.Parse(p.layout, g.String())
		if err != nil {
			continue
		}
		return d, true
	}
	return time.Time{}, false
}

// civilDate drops the clock time and zone, keeping the local calendar date.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ageInDays counts whole calendar days from date to today.
func ageInDays(today, date time.Time) int {
	return int(civilDate(today).Sub(civilDate(date)).Hours() / 24)
}
