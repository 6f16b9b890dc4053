package activity

import "time"

// Period is a feed section.
type Period string

const (
	PeriodToday     Period = "Today"
	PeriodYesterday Period = "Yesterday"
	PeriodThisMonth Period = "This Month"
	PeriodThisYear  Period = "This Year"
	PeriodEarlier   Period = "Earlier"
)

var periodOrder = []Period{PeriodToday, PeriodYesterday, PeriodThisMonth, PeriodThisYear, PeriodEarlier}

// Group is a non-empty section of the feed.
type Group struct {
	Period Period `json:"period"`
	Items  []Item `json:"items"`
}

// PeriodOf returns the section t falls in, using calendar days in loc.
// Times after now count as today.
func PeriodOf(t, now time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	t = t.In(loc)

	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch {
	case !t.Before(today):
		return PeriodToday
	case !t.Before(today.AddDate(0, 0, -1)):
		return PeriodYesterday
	case !t.Before(time.Date(y, m, 1, 0, 0, 0, 0, loc)):
		return PeriodThisMonth
	case !t.Before(time.Date(y, time.January, 1, 0, 0, 0, 0, loc)):
		return PeriodThisYear
	}
	return PeriodEarlier
}

// GroupByPeriod buckets items relative to now. Sections come out newest
// first and keep the relative order of their items; empty ones are omitted.
func GroupByPeriod(items []Item, now time.Time, loc *time.Location) []Group {
	buckets := make(map[Period][]Item, len(periodOrder))
	for _, it := range items {
		p := PeriodOf(it.Time(), now, loc)
		buckets[p] = append(buckets[p], it)
	}

	var out []Group
	for _, p := range periodOrder {
		if len(buckets[p]) > 0 {
			out = append(out, Group{Period: p, Items: buckets[p]})
		}
	}
	return out
}
