package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "eventmax/internal/log"
)

const defaultMaxOccurrencesPerEntry = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted into. nil means
	// time.Local.
	Location *time.Location

	// Occurrences starting in [RangeStart, RangeEnd) are kept.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEntry caps a single RRULE. Zero means the default.
	MaxOccurrencesPerEntry int
}

// Occurrence is one concrete instance of an Entry.
type Occurrence struct {
	Entry
	Start time.Time
	End   time.Time
}

// Expand turns entries into occurrences inside the configured range,
// applying RRULE, EXDATE and RECURRENCE-ID overrides. The result is ordered
// by start time, then by input order.
func Expand(entries []Entry, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEntry <= 0 {
		cfg.MaxOccurrencesPerEntry = defaultMaxOccurrencesPerEntry
	}

	overridesByUID := make(map[string][]Entry)
	for _, e := range entries {
		if e.IsOverride && e.Recurrence != nil {
			overridesByUID[e.UID] = append(overridesByUID[e.UID], e)
		}
	}

	out := make([]Occurrence, 0)
	for _, e := range entries {
		if e.IsOverride {
			continue
		}
		ov := overridesByUID[e.UID]
		if e.RawRRule == "" {
			out = append(out, expandSingle(e, ov, cfg)...)
			continue
		}
		occ, hitCap := expandRecurring(e, ov, cfg)
		if hitCap {
			appLog.Warn("expand: occurrences truncated", "uid", e.UID, "cap", cfg.MaxOccurrencesPerEntry)
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandSingle(e Entry, overrides []Entry, cfg ExpandConfig) []Occurrence {
	start, end, src := e.Start, e.End, e
	if o, ok := findOverride(overrides, start); ok {
		start, end, src = o.Start, o.End, o
	}
	if !inRange(start, cfg) {
		return nil
	}
	return []Occurrence{makeOccurrence(src, start, end, cfg.Location)}
}

func expandRecurring(e Entry, overrides []Entry, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(e.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", e.UID, "rrule", e.RawRRule)
		return nil, false
	}
	r.DTStart(e.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range e.ExDates {
		set.ExDate(ex.In(e.Start.Location()))
	}

	// Widen by one day so overrides moved into the range are still found.
	from := cfg.RangeStart.In(e.Start.Location()).AddDate(0, 0, -1)
	to := cfg.RangeEnd.In(e.Start.Location()).AddDate(0, 0, 1)
	times := set.Between(from, to, true)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEntry {
		times = times[:cfg.MaxOccurrencesPerEntry]
		hitCap = true
	}

	dur := e.End.Sub(e.Start)
	out := make([]Occurrence, 0, len(times))
	for _, occStart := range times {
		start, end, src := occStart, occStart.Add(dur), e
		if o, ok := findOverride(overrides, occStart); ok {
			start, end, src = o.Start, o.End, o
		}
		if !inRange(start, cfg) {
			continue
		}
		out = append(out, makeOccurrence(src, start, end, cfg.Location))
	}
	return out, hitCap
}

// findOverride matches an override whose RECURRENCE-ID equals start.
func findOverride(overrides []Entry, start time.Time) (Entry, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return Entry{}, false
}

func makeOccurrence(e Entry, start, end time.Time, loc *time.Location) Occurrence {
	return Occurrence{Entry: e, Start: start.In(loc), End: end.In(loc)}
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && t.Before(cfg.RangeEnd)
}
