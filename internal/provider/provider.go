package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventmax/internal/geo"
	"eventmax/internal/model"
)

var (
	// ErrUnauthorized means the first page request was rejected with 401/403:
	// the credential is invalid. Distinct from an empty listing.
	ErrUnauthorized = errors.New("provider: credential rejected")
	// ErrUpstream covers any other failed first-page request: transport
	// error, timeout, non-2xx status or an undecodable body.
	ErrUpstream = errors.New("provider: upstream request failed")
	// ErrNoCredential means neither the request nor the client configuration
	// carried a credential. No request is sent.
	ErrNoCredential = errors.New("provider: no credential configured")
)

// Provider is one external event-listing API.
type Provider interface {
	Source() model.Source
	// Fetch never returns a bare error; failures are reported in Result.Err
	// together with whatever events were collected.
	Fetch(ctx context.Context, q Query) Result
}

// Query is the search a provider runs. Start and End are calendar dates; only
// the year/month/day they carry in their own zone are used and End is
// inclusive.
type Query struct {
	Center      geo.Point
	RadiusMiles float64
	Start       time.Time
	End         time.Time
	// Credential overrides the credential configured on the client.
	Credential string
	// Location is the display zone events are normalized into. nil means
	// time.Local.
	Location *time.Location
}

// Loc returns q.Location or time.Local.
func (q Query) Loc() *time.Location {
	if q.Location == nil {
		return time.Local
	}
	return q.Location
}

// Window returns the half-open interval [from, to) covered by the query:
// Start at local midnight through the midnight after End.
func (q Query) Window() (from, to time.Time) {
	return Window(q.Start, q.End, q.Loc())
}

// Window computes [start 00:00, end+1day 00:00) in loc. The calendar date
// is read in each value's own zone, so 2025-06-01 UTC and 2025-06-01 EDT
// name the same day.
func Window(start, end time.Time, loc *time.Location) (from, to time.Time) {
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	from = time.Date(sy, sm, sd, 0, 0, 0, 0, loc)
	to = time.Date(ey, em, ed+1, 0, 0, 0, 0, loc)
	return from, to
}

// Result is the outcome of one provider fetch.
type Result struct {
	Source model.Source
	Events []model.Event
	// Pages is the number of pages requested and ReportedPages the count
	// the listing advertised; they differ when the page cap applied.
	// FailedPages is how many of pages 2..N could not be fetched or decoded.
	Pages         int
	ReportedPages int
	FailedPages   int
	// Err is nil on success (possibly with FailedPages > 0), otherwise it
	// matches ErrUnauthorized, ErrUpstream or ErrNoCredential.
	Err error
}

// Partial reports whether the fetch succeeded but some pages were dropped
// or never requested.
func (r Result) Partial() bool {
	return r.Err == nil && (r.FailedPages > 0 || r.ReportedPages > r.Pages)
}

// ResolveCredential picks the per-request override, else the configured
// credential. It fails closed when both are empty.
func ResolveCredential(override, configured string) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// FormatUTC renders t as ISO-8601 UTC with a trailing Z and second
// precision, the form both APIs expect for date bounds.
func FormatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func statusError(status int, page int) error {
	switch status {
	case 401, 403:
		return fmt.Errorf("%w: page %d: status %d", ErrUnauthorized, page, status)
	default:
		return fmt.Errorf("%w: page %d: status %d", ErrUpstream, page, status)
	}
}
