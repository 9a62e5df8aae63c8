// Package catalog talks to the primary event catalog, an API shaped like the
// Ticketmaster Discovery v2 event search.
package catalog

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"eventmax/internal/geo"
	"eventmax/internal/httpclient"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

const (
	DefaultBaseURL = "https://app.ticketmaster.com"
	DefaultTimeout = 12 * time.Second

	searchPath    = "/discovery/v2/events.json"
	pageSize      = 200
	fallbackTitle = "Catalog Event"
	eventURLBase  = "https://www.ticketmaster.com/event/"

	kmPerMile = 1.60934
)

// Config configures a Client. APIKey may be empty if every query carries
// its own credential.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client fetches and normalizes catalog listings.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a catalog Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpclient.New(cfg.Timeout),
	}
}

func (c *Client) Source() model.Source {
	return model.SourceCatalog
}

// Fetch runs the search described by q across every result page.
func (c *Client) Fetch(ctx context.Context, q provider.Query) provider.Result {
	started := time.Now()
	res := provider.Result{Source: model.SourceCatalog}

	key, err := provider.ResolveCredential(q.Credential, c.apiKey)
	if err != nil {
		res.Err = err
		return res
	}

	from, to := q.Window()
	params := url.Values{}
	params.Set("apikey", key)
	params.Set("latlong", strconv.FormatFloat(q.Center.Lat, 'f', -1, 64)+","+strconv.FormatFloat(q.Center.Lon, 'f', -1, 64))
	params.Set("radius", strconv.Itoa(RadiusKM(q.RadiusMiles)))
	params.Set("unit", "km")
	params.Set("size", strconv.Itoa(pageSize))
	params.Set("startDateTime", provider.FormatUTC(from))
	params.Set("endDateTime", provider.FormatUTC(to))
	params.Set("sort", "date,asc")

	loc := q.Loc()
	pager := &provider.Pager{
		Source:    model.SourceCatalog,
		Client:    c.client,
		FirstPage: 0,
		NewRequest: func(ctx context.Context, page int) (*http.Request, error) {
			p := url.Values{}
			for k, v := range params {
				p[k] = v
			}
			p.Set("page", strconv.Itoa(page))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+p.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
		Decode: func(_ context.Context, body []byte) (provider.Page, error) {
			return decodePage(body, q.Center, loc)
		},
	}

	walk, err := pager.Run(ctx)
	res.Events, res.Pages, res.ReportedPages, res.FailedPages, res.Err = walk.Events, walk.Pages, walk.ReportedPages, walk.FailedPages, err

	outcome := "ok"
	if err != nil {
		outcome = "error"
		appLog.Error("catalog fetch failed", err)
	}
	metrics.ProviderFetch(string(model.SourceCatalog), outcome, time.Since(started), len(walk.Events))
	appLog.Info("catalog fetch done", "events", len(walk.Events), "pages", walk.Pages, "reported_pages", walk.ReportedPages, "failed_pages", walk.FailedPages)
	return res
}

// RadiusKM converts the search radius to the whole kilometers the API wants.
func RadiusKM(miles float64) int {
	return int(math.Round(miles * kmPerMile))
}

type searchResponse struct {
	Embedded struct {
		Events []json.RawMessage `json:"events"`
	} `json:"_embedded"`
	Page json.RawMessage `json:"page"`
}

type rawEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Dates struct {
		Start struct {
			DateTime  string `json:"dateTime"`
			LocalDate string `json:"localDate"`
			LocalTime string `json:"localTime"`
		} `json:"start"`
	} `json:"dates"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	PriceRanges []struct {
		Min      provider.Number `json:"min"`
		Max      provider.Number `json:"max"`
		Currency string          `json:"currency"`
	} `json:"priceRanges"`
	Embedded struct {
		Venues []rawVenue `json:"venues"`
	} `json:"_embedded"`
}

type rawVenue struct {
	Name     string `json:"name"`
	Location struct {
		Latitude  provider.Number `json:"latitude"`
		Longitude provider.Number `json:"longitude"`
	} `json:"location"`
}

func decodePage(body []byte, center geo.Point, loc *time.Location) (provider.Page, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{
		TotalPages: provider.PageCount(resp.Page, "totalPages"),
		Events:     make([]model.Event, 0, len(resp.Embedded.Events)),
	}
	for _, raw := range resp.Embedded.Events {
		var item rawEvent
		if err := json.Unmarshal(raw, &item); err != nil {
			metrics.ItemDropped(string(model.SourceCatalog), "decode")
			appLog.Debug("catalog item undecodable", "err", err)
			continue
		}
		ev, ok := normalize(item, center, loc)
		if !ok {
			metrics.ItemDropped(string(model.SourceCatalog), "no_date")
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func normalize(item rawEvent, center geo.Point, loc *time.Location) (model.Event, bool) {
	date, ok := eventDate(item, loc)
	if !ok {
		return model.Event{}, false
	}

	ev := model.Event{
		Title:     provider.Title(item.Name, fallbackTitle),
		Date:      date,
		Latitude:  center.Lat,
		Longitude: center.Lon,
		URL:       provider.EventURL(item.URL, item.ID, eventURLBase),
		Source:    model.SourceCatalog,
	}

	if len(item.Embedded.Venues) > 0 {
		v := item.Embedded.Venues[0]
		ev.Location = strings.TrimSpace(v.Name)
		ev.Latitude = v.Location.Latitude.Or(center.Lat)
		ev.Longitude = v.Location.Longitude.Or(center.Lon)
	}

	if len(item.Images) > 0 {
		ev.ImageURL = strings.TrimSpace(item.Images[0].URL)
	}

	if len(item.PriceRanges) > 0 {
		pr := item.PriceRanges[0]
		ev.PriceMin = pr.Min.Ptr()
		ev.PriceMax = pr.Max.Ptr()
		ev.Currency = strings.TrimSpace(pr.Currency)
	}

	return ev, true
}

// eventDate prefers the zone-aware dateTime, then localDate+localTime, then
// localDate alone.
func eventDate(item rawEvent, loc *time.Location) (time.Time, bool) {
	start := item.Dates.Start
	if t, ok := provider.ParseTimestamp(start.DateTime, loc); ok {
		return t, true
	}
	if start.LocalDate != "" && start.LocalTime != "" {
		if t, ok := provider.ParseTimestamp(start.LocalDate+"T"+start.LocalTime, loc); ok {
			return t, true
		}
	}
	return provider.ParseTimestamp(start.LocalDate, loc)
}
