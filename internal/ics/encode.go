package ics

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"eventmax/internal/model"
)

const (
	productID       = "eventmax"
	uidDomain       = "@eventmax"
	defaultDuration = 2 * time.Hour
)

// EncodeOptions controls calendar export.
type EncodeOptions struct {
	// Name becomes X-WR-CALNAME.
	Name string
	// Location is advertised as X-WR-TIMEZONE.
	Location *time.Location
	// Duration is the assumed length of timed events, which providers do
	// not report. Zero means two hours.
	Duration time.Duration
	// Stamp is written as DTSTAMP. Zero means now.
	Stamp time.Time
}

// Encode writes events as an iCalendar PUBLISH feed. Events whose wall
// clock is exactly midnight are exported as all-day events.
func Encode(w io.Writer, events []model.Event, opts EncodeOptions) error {
	return NewCalendar(events, opts).SerializeTo(w)
}

// NewCalendar builds the calendar Encode serializes.
func NewCalendar(events []model.Event, opts EncodeOptions) *ical.Calendar {
	if opts.Duration <= 0 {
		opts.Duration = defaultDuration
	}
	if opts.Stamp.IsZero() {
		opts.Stamp = time.Now()
	}

	cal := ical.NewCalendarFor(productID)
	cal.SetMethod(ical.MethodPublish)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Location != nil {
		cal.SetXWRTimezone(opts.Location.String())
	}

	seen := make(map[string]int)
	for _, e := range events {
		uid := UID(e)
		// Two events can share a dedup key only when dedup was skipped.
		if n := seen[uid]; n > 0 {
			seen[uid] = n + 1
			uid = uid + "-" + strconv.Itoa(n)
		} else {
			seen[uid] = 1
		}

		ve := cal.AddEvent(uid)
		ve.SetDtStampTime(opts.Stamp)
		ve.SetSummary(e.Title)
		if isMidnight(e.Date) {
			ve.SetAllDayStartAt(e.Date)
			ve.SetAllDayEndAt(e.Date.AddDate(0, 0, 1))
		} else {
			ve.SetStartAt(e.Date)
			ve.SetEndAt(e.Date.Add(opts.Duration))
		}
		if e.Location != "" {
			ve.SetLocation(e.Location)
		}
		if e.URL != "" {
			ve.SetURL(e.URL)
		}
		ve.SetGeo(e.Latitude, e.Longitude)
		if d := description(e); d != "" {
			ve.SetDescription(d)
		}
		if e.Source != "" {
			ve.AddCategory(string(e.Source))
		}
	}
	return cal
}

// UID is stable for the same (dedup key, source) pair across exports, so
// calendar clients update events instead of duplicating them.
func UID(e model.Event) string {
	sum := sha256.Sum256([]byte(model.DedupKey(e) + "|" + string(e.Source)))
	return hex.EncodeToString(sum[:12]) + uidDomain
}

func description(e model.Event) string {
	var lines []string
	if p := model.PriceLabel(e); p != "" {
		lines = append(lines, "Price: "+p)
	}
	if e.URL != "" {
		lines = append(lines, e.URL)
	}
	return strings.Join(lines, "\n")
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
