package schedule

import (
	"time"

	"github.com/teambition/rrule-go"
)

// Window is an inclusive range of calendar dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// MonthWindows returns count consecutive whole-month windows, the first one
// containing from. Dates are at midnight in loc.
func MonthWindows(from time.Time, count int, loc *time.Location) ([]Window, error) {
	if count <= 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	f := from.In(loc)
	first := time.Date(f.Year(), f.Month(), 1, 0, 0, 0, 0, loc)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.MONTHLY,
		Dtstart: first,
		Count:   count,
	})
	if err != nil {
		return nil, err
	}

	starts := r.All()
	out := make([]Window, 0, len(starts))
	for _, s := range starts {
		s = s.In(loc)
		out = append(out, Window{Start: s, End: s.AddDate(0, 1, -1)})
	}
	return out, nil
}

// CurrentMonth is the window the API defaults to.
func CurrentMonth(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	start := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 1, -1)}
}
