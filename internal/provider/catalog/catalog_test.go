package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
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

const page0 = `{
  "_embedded": {"events": [
    {
      "id": "G5vYZ9",
      "name": "Jazz Night",
      "url": "https://www.ticketmaster.com/jazz-night/event/G5vYZ9",
      "dates": {"start": {"dateTime": "2025-06-01T23:00:00Z", "localDate": "2025-06-01"}},
      "images": [{"url": "https://img.test/jazz.jpg"}, {"url": "https://img.test/other.jpg"}],
      "priceRanges": [{"min": 15.5, "max": 42.25, "currency": "USD"}],
      "_embedded": {"venues": [{"name": "Lynn Auditorium", "location": {"latitude": "42.49", "longitude": "-70.88"}}]}
    },
    {
      "id": "NODATE",
      "name": "Mystery Show",
      "dates": {"start": {}}
    },
    {
      "id": "abc123",
      "name": "  ",
      "url": "not a url",
      "dates": {"start": {"localDate": "2025-06-03"}}
    }
  ]},
  "page": {"size": 200, "totalElements": 4, "totalPages": 2, "number": 0}
}`

const page1 = `{
  "_embedded": {"events": [
    {
      "id": "P2",
      "name": "Open Mic",
      "dates": {"start": {"localDate": "2025-06-04", "localTime": "20:30:00"}},
      "_embedded": {"venues": [{"name": "The Cafe"}]}
    }
  ]},
  "page": {"totalPages": 2, "number": 1}
}`

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, New(Config{BaseURL: srv.URL, APIKey: "configured-key"})
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
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, searchPath, r.URL.Path)
		assert.Equal(t, "configured-key", q.Get("apikey"))
		assert.Equal(t, "42.4825,-70.88", q.Get("latlong"))
		assert.Equal(t, "24", q.Get("radius"))
		assert.Equal(t, "km", q.Get("unit"))
		assert.Equal(t, "200", q.Get("size"))
		assert.Equal(t, "2025-06-01T04:00:00Z", q.Get("startDateTime"))
		assert.Equal(t, "2025-07-01T04:00:00Z", q.Get("endDateTime"))
		assert.Equal(t, "date,asc", q.Get("sort"))
		assert.Equal(t, "0", q.Get("page"))
		_, _ = w.Write([]byte(`{"page":{"totalPages":1}}`))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Pages)
}

func TestClient_Fetch_NormalizesAllPages(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(page1))
			return
		}
		_, _ = w.Write([]byte(page0))
	})

	res := c.Fetch(context.Background(), query())

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, res.ReportedPages)
	require.Len(t, res.Events, 3)

	jazz := res.Events[0]
	assert.Equal(t, model.Event{
		Title:     "Jazz Night",
		Date:      time.Date(2025, 6, 1, 19, 0, 0, 0, edt),
		Location:  "Lynn Auditorium",
		Latitude:  42.49,
		Longitude: -70.88,
		URL:       "https://www.ticketmaster.com/jazz-night/event/G5vYZ9",
		Source:    model.SourceCatalog,
		ImageURL:  "https://img.test/jazz.jpg",
		PriceMin:  model.Float(15.5),
		PriceMax:  model.Float(42.25),
		Currency:  "USD",
	}, jazz)

	fallback := res.Events[1]
	assert.Equal(t, fallbackTitle, fallback.Title)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, edt), fallback.Date)
	assert.Equal(t, "https://www.ticketmaster.com/event/abc123", fallback.URL)
	assert.Equal(t, center.Lat, fallback.Latitude)
	assert.Equal(t, center.Lon, fallback.Longitude)
	assert.Equal(t, "", fallback.Location)
	assert.Nil(t, fallback.PriceMin)
	assert.Nil(t, fallback.PriceMax)

	openMic := res.Events[2]
	assert.Equal(t, "Open Mic", openMic.Title)
	assert.Equal(t, time.Date(2025, 6, 4, 20, 30, 0, 0, edt), openMic.Date)
	assert.Equal(t, "The Cafe", openMic.Location)
	assert.Equal(t, center.Lat, openMic.Latitude)
}

func TestClient_Fetch_Unauthorized(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	res := c.Fetch(context.Background(), query())

	assert.ErrorIs(t, res.Err, provider.ErrUnauthorized)
	assert.Empty(t, res.Events)
}

func TestClient_Fetch_SoftFailure(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	res := c.Fetch(context.Background(), query())

	assert.ErrorIs(t, res.Err, provider.ErrUpstream)
	assert.Empty(t, res.Events)
}

func TestClient_Fetch_RequestCredentialOverrides(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "caller-key", r.URL.Query().Get("apikey"))
		_, _ = w.Write([]byte(`{}`))
	})

	q := query()
	q.Credential = "caller-key"
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

func TestRadiusKM(t *testing.T) {
	assert.Equal(t, 8, RadiusKM(5))
	assert.Equal(t, 24, RadiusKM(15))
	assert.Equal(t, 40, RadiusKM(25))
}
