package feed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmax/internal/geo"
	"eventmax/internal/ics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

var (
	edt    = time.FixedZone("EDT", -4*3600)
	center = geo.Point{Lat: 42.4825, Lon: -70.88}
)

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, feed ics.Feed) (ics.FetchResult, error) {
	body, ok := f[feed.URL]
	if !ok {
		return ics.FetchResult{}, errors.New("unreachable")
	}
	return ics.FetchResult{Feed: feed, Body: []byte(body)}, nil
}

func cal(lines ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//t//EN"}, lines...), "END:VCALENDAR", ""), "\r\n")
}

func query() provider.Query {
	return provider.Query{
		Center:      center,
		RadiusMiles: 10,
		Start:       time.Date(2025, 6, 1, 0, 0, 0, 0, edt),
		End:         time.Date(2025, 6, 30, 0, 0, 0, 0, edt),
		Location:    edt,
	}
}

func TestProvider_Fetch(t *testing.T) {
	fetcher := fakeFetcher{
		"https://a.test/cal.ics": cal(
			"BEGIN:VEVENT",
			"UID:trivia@a.test",
			"SUMMARY:Trivia",
			"LOCATION:The Pub",
			"GEO:42.47;-70.92",
			"URL:https://a.test/trivia",
			"DTSTART:20250603T190000",
			"RRULE:FREQ=WEEKLY;COUNT=3",
			"END:VEVENT",
		),
		"https://b.test/cal.ics": cal(
			"BEGIN:VEVENT",
			"UID:july@b.test",
			"SUMMARY:July Parade",
			"DTSTART;VALUE=DATE:20250704",
			"END:VEVENT",
			"BEGIN:VEVENT",
			"UID:blank@b.test",
			"SUMMARY: ",
			"URL:/relative",
			"DTSTART:20250601T120000",
			"END:VEVENT",
		),
	}
	p := New([]ics.Feed{
		{ID: "a", URL: "https://a.test/cal.ics"},
		{ID: "b", URL: "https://b.test/cal.ics"},
		{ID: "down", URL: "https://down.test/cal.ics"},
	}, fetcher)

	res := p.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Equal(t, model.SourceFeed, res.Source)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 1, res.FailedPages)
	require.Len(t, res.Events, 4)

	assert.Equal(t, model.Event{
		Title:     "Trivia",
		Date:      time.Date(2025, 6, 3, 19, 0, 0, 0, edt),
		Location:  "The Pub",
		Latitude:  42.47,
		Longitude: -70.92,
		URL:       "https://a.test/trivia",
		Source:    model.SourceFeed,
	}, res.Events[0])
	assert.Equal(t, time.Date(2025, 6, 17, 19, 0, 0, 0, edt), res.Events[2].Date)

	blank := res.Events[3]
	assert.Equal(t, fallbackTitle, blank.Title)
	assert.Equal(t, "", blank.URL)
	assert.Equal(t, center.Lat, blank.Latitude)
}

func TestProvider_Fetch_AllFeedsFailed(t *testing.T) {
	p := New([]ics.Feed{{ID: "down", URL: "https://down.test/cal.ics"}}, fakeFetcher{})

	res := p.Fetch(context.Background(), query())

	assert.ErrorIs(t, res.Err, provider.ErrUpstream)
	assert.Empty(t, res.Events)
}

func TestProvider_Fetch_NoFeeds(t *testing.T) {
	res := New(nil, fakeFetcher{}).Fetch(context.Background(), query())

	assert.NoError(t, res.Err)
	assert.Empty(t, res.Events)
}
