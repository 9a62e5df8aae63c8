package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmax/internal/geo"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

var (
	edt    = time.FixedZone("EDT", -4*3600)
	center = geo.Point{Lat: 42.4825, Lon: -70.88}
)

const searchPage1 = `{
  "pagination": {"page_number": 1, "page_count": 2},
  "events": [
    {
      "id": "101",
      "name": {"text": "Harbor Craft Fair"},
      "url": "https://www.eventbrite.com/e/harbor-craft-fair-101",
      "start": {"utc": "2025-06-07T14:00:00Z", "local": "2025-06-07T10:00:00"},
      "venue": {"name": "Town Common", "latitude": "42.47", "longitude": "-70.92"},
      "logo": {"url": "https://img.test/craft.png"},
      "is_free": true
    },
    {
      "id": "102",
      "name": {"text": "Wine Tasting"},
      "start": {"local": "2025-06-08T18:30:00"},
      "venue": {"name": "Cellar", "address": {"latitude": 42.5, "longitude": -70.9}},
      "logo": {"original": {"url": "https://img.test/wine-original.png"}},
      "is_free": false,
      "ticket_availability": {
        "minimum_ticket_price": {"major_value": "25.00", "currency": "USD"},
        "maximum_ticket_price": {"value": 6000, "currency": "USD"}
      }
    },
    {
      "id": "103",
      "name": {"text": "   "},
      "start": {"local": "2025-06-08"},
      "is_free": true
    },
    {
      "id": "104",
      "name": {"text": "Mystery Show"},
      "start": {}
    },
    "not an object"
  ]
}`

const searchPage2 = `{
  "pagination": {"page_number": 2, "page_count": 2},
  "events": [
    {
      "id": "201",
      "name": {"text": "Comedy Hour"},
      "start": {"utc": "2025-06-09T00:30:00Z"}
    },
    {
      "id": "202",
      "name": {"text": "Lecture"},
      "start": {"utc": "2025-06-10T23:00:00Z"}
    }
  ]
}`

const comedyClasses = `{"ticket_classes": [
  {"free": true, "cost": null},
  {"donation": true, "cost": {"major_value": "1.00", "currency": "USD"}},
  {"cost": {"major_value": "30.00", "currency": "USD"}},
  {"cost": {"value": 1850, "currency": "USD"}}
]}`

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "configured-token"})
}

func query() provider.Query {
	return provider.Query{
		Center:      center,
		RadiusMiles: 15,
		Start:       time.Date(2025, 6, 1, 0, 0, 0, 0, edt),
		End:         time.Date(2025, 6, 30, 0, 0, 0, 0, edt),
		Location:    edt,
	}
}

func TestClient_Fetch_RequestParameters(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, searchPath, r.URL.Path)
		assert.Equal(t, "Bearer configured-token", r.Header.Get("Authorization"))
		assert.Equal(t, "42.4825", q.Get("location.latitude"))
		assert.Equal(t, "-70.88", q.Get("location.longitude"))
		assert.Equal(t, "15mi", q.Get("location.within"))
		assert.Equal(t, "2025-06-01T04:00:00Z", q.Get("start_date.range_start"))
		assert.Equal(t, "2025-07-01T04:00:00Z", q.Get("start_date.range_end"))
		assert.Equal(t, "date", q.Get("sort_by"))
		assert.Equal(t, "1", q.Get("page"))
		_, _ = w.Write([]byte(`{"pagination":{"page_count":1},"events":[]}`))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Pages)
}

func TestClient_Fetch_NormalizesAndPrices(t *testing.T) {
	var lookups atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == searchPath && r.URL.Query().Get("page") == "2":
			_, _ = w.Write([]byte(searchPage2))
		case r.URL.Path == searchPath:
			_, _ = w.Write([]byte(searchPage1))
		case r.URL.Path == "/v3/events/201/ticket_classes/":
			lookups.Add(1)
			assert.Equal(t, "Bearer configured-token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(comedyClasses))
		case strings.HasSuffix(r.URL.Path, "/ticket_classes/"):
			lookups.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Events, 5)
	assert.Equal(t, int32(2), lookups.Load())

	fair := res.Events[0]
	assert.Equal(t, model.Event{
		Title:     "Harbor Craft Fair",
		Date:      time.Date(2025, 6, 7, 10, 0, 0, 0, edt),
		Location:  "Town Common",
		Latitude:  42.47,
		Longitude: -70.92,
		URL:       "https://www.eventbrite.com/e/harbor-craft-fair-101",
		Source:    model.SourceMarketplace,
		ImageURL:  "https://img.test/craft.png",
	}, fair)

	wine := res.Events[1]
	assert.Equal(t, time.Date(2025, 6, 8, 18, 30, 0, 0, edt), wine.Date)
	assert.Equal(t, 42.5, wine.Latitude)
	assert.Equal(t, -70.9, wine.Longitude)
	assert.Equal(t, "https://img.test/wine-original.png", wine.ImageURL)
	assert.Equal(t, "https://www.eventbrite.com/e/102", wine.URL)
	require.NotNil(t, wine.PriceMin)
	require.NotNil(t, wine.PriceMax)
	assert.Equal(t, 25.0, *wine.PriceMin)
	assert.Equal(t, 60.0, *wine.PriceMax)
	assert.Equal(t, "USD", wine.Currency)

	untitled := res.Events[2]
	assert.Equal(t, fallbackTitle, untitled.Title)
	assert.Equal(t, center.Lat, untitled.Latitude)

	comedy := res.Events[3]
	assert.Equal(t, "Comedy Hour", comedy.Title)
	assert.Equal(t, time.Date(2025, 6, 8, 20, 30, 0, 0, edt), comedy.Date)
	require.NotNil(t, comedy.PriceMin)
	require.NotNil(t, comedy.PriceMax)
	assert.Equal(t, 18.5, *comedy.PriceMin)
	assert.Equal(t, 30.0, *comedy.PriceMax)

	lecture := res.Events[4]
	assert.Equal(t, "Lecture", lecture.Title)
	assert.Nil(t, lecture.PriceMin)
	assert.Nil(t, lecture.PriceMax)
}

func TestClient_Fetch_DropsDatelessItems(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[{"id":"9","name":{"text":"TBA"},"start":{"local":"soon"},"is_free":true}]}`))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Empty(t, res.Events)
}

func TestClient_Fetch_Unauthorized(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	res := c.Fetch(context.Background(), query())

	assert.ErrorIs(t, res.Err, provider.ErrUnauthorized)
	assert.Empty(t, res.Events)
}

func TestClient_Fetch_RequestCredentialOverrides(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer caller-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	})

	q := query()
	q.Credential = "caller-token"
	res := c.Fetch(context.Background(), q)

	require.NoError(t, res.Err)
}

func TestClient_Fetch_NoCredentialFailsClosed(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res := c.Fetch(context.Background(), query())

	assert.ErrorIs(t, res.Err, provider.ErrNoCredential)
	assert.False(t, called)
}

func TestClient_Fetch_BoundsInFlightRequests(t *testing.T) {
	const pages, perPage = 9, 8
	var inFlight, peak, lookups atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)

		if strings.HasSuffix(r.URL.Path, "/ticket_classes/") {
			lookups.Add(1)
			_, _ = w.Write([]byte(`{"ticket_classes":[{"cost":{"major_value":"10.00","currency":"USD"}}]}`))
			return
		}
		page := r.URL.Query().Get("page")
		var b strings.Builder
		fmt.Fprintf(&b, `{"pagination":{"page_count":%d},"events":[`, pages)
		for i := 0; i < perPage; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"id":"%s-%d","name":{"text":"Show %s-%d"},"start":{"local":"2025-06-10T20:00:00"}}`, page, i, page, i)
		}
		b.WriteString("]}")
		_, _ = w.Write([]byte(b.String()))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	require.Len(t, res.Events, pages*perPage)
	assert.Equal(t, int32(pages*perPage), lookups.Load())
	assert.LessOrEqual(t, peak.Load(), int32(provider.MaxConcurrentPages))
	for _, ev := range res.Events {
		require.NotNil(t, ev.PriceMin)
		assert.Equal(t, 10.0, *ev.PriceMin)
	}
}

func TestClient_Fetch_NonFiniteCoordinatesFallBackToCenter(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[{"id":"7","name":{"text":"Pier Concert"},"start":{"local":"2025-06-12T19:00:00"},
			"venue":{"name":"Pier","latitude":"NaN","longitude":"Inf"},"is_free":true}]}`))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, center.Lat, res.Events[0].Latitude)
	assert.Equal(t, center.Lon, res.Events[0].Longitude)
}

func TestWithin(t *testing.T) {
	assert.Equal(t, "15mi", Within(15))
	assert.Equal(t, "2.5mi", Within(2.5))
}
