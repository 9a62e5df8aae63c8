package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DedupTitlePrefix is the number of runes of the normalized title that take
// part in the dedup key.
const DedupTitlePrefix = 40

// DedupKey returns the key used to collapse duplicate listings: the trimmed,
// lower-cased title truncated to DedupTitlePrefix runes, plus the date.
func DedupKey(e Event) string {
	title := []rune(strings.ToLower(strings.TrimSpace(e.Title)))
	if len(title) > DedupTitlePrefix {
		title = title[:DedupTitlePrefix]
	}
	return string(title) + "|" + e.Day()
}

// Dedup keeps the first event seen per DedupKey and drops later ones.
// Input order is preserved.
func Dedup(events []Event) []Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]Event, 0, len(events))
	for _, e := range events {
		key := DedupKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// SortByDate sorts events ascending by Date in place. Ties keep their
// current relative order.
func SortByDate(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date.Before(events[j].Date)
	})
}

// SortByPrice sorts events by PriceMin ascending in place. Events with an
// unknown price sort after every priced event; ties keep their order.
func SortByPrice(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return priceKey(events[i]) < priceKey(events[j])
	})
}

func priceKey(e Event) float64 {
	if e.PriceMin == nil {
		return math.Inf(1)
	}
	return *e.PriceMin
}

// DayGroup is the list of events starting on one calendar day.
type DayGroup struct {
	Day    string  `json:"day"`
	Events []Event `json:"events"`
}

// GroupByDay buckets events by Day. Groups come back in ascending day order
// and each group keeps the input order of its events.
func GroupByDay(events []Event) []DayGroup {
	idx := make(map[string]int)
	var groups []DayGroup
	for _, e := range events {
		d := e.Day()
		i, ok := idx[d]
		if !ok {
			i = len(groups)
			idx[d] = i
			groups = append(groups, DayGroup{Day: d})
		}
		groups[i].Events = append(groups[i].Events, e)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Day < groups[j].Day })
	return groups
}

// FilterMonth returns the events whose Date falls in the given year/month.
func FilterMonth(events []Event, year int, month time.Month) []Event {
	out := make([]Event, 0)
	for _, e := range events {
		if e.Date.Year() == year && e.Date.Month() == month {
			out = append(out, e)
		}
	}
	return out
}

// PriceLabel renders a short price string: "$10-$25", "$10" or "".
// The dollar sign is only used for USD.
func PriceLabel(e Event) string {
	sym := ""
	if e.Currency == "USD" {
		sym = "$"
	}
	switch {
	case e.PriceMin != nil && e.PriceMax != nil && *e.PriceMax != *e.PriceMin:
		return fmt.Sprintf("%s%.0f-%s%.0f", sym, *e.PriceMin, sym, *e.PriceMax)
	case e.PriceMin != nil:
		return fmt.Sprintf("%s%.0f", sym, *e.PriceMin)
	default:
		return ""
	}
}
