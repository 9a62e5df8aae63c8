package model

import (
	"time"
)

// Source identifies the upstream provider an Event was normalized from.
type Source string

const (
	SourceCatalog     Source = "catalog"
	SourceMarketplace Source = "marketplace"
	// SourceFeed marks events read from subscribed iCalendar feeds.
	SourceFeed Source = "feed"
)

// Event is the canonical, provider-agnostic event record produced by the
// aggregation pipeline. Values are never mutated after construction.
type Event struct {
	Title string `json:"title"`

	// Date is the event start as a local wall-clock time. Every Event in a
	// single aggregate result shares the same display location, so Dates
	// compare and sort safely across providers.
	Date time.Time `json:"date"`

	// Location is the venue name; empty when unknown.
	Location  string  `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	URL      string `json:"url"`
	Source   Source `json:"source"`
	ImageURL string `json:"image_url,omitempty"`

	// PriceMin / PriceMax are nil when the price is unknown.
	PriceMin *float64 `json:"price_min,omitempty"`
	PriceMax *float64 `json:"price_max,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Day returns the calendar date of e.Date formatted as YYYY-MM-DD.
func (e Event) Day() string {
	return e.Date.Format(time.DateOnly)
}

// Float returns a pointer to v. Handy for building optional price fields.
func Float(v float64) *float64 {
	return &v
}
