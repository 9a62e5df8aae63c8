// Package marketplace talks to the secondary ticket marketplace, an API shaped
// like the Eventbrite v3 event search. Prices come either inline
// (is_free / ticket_availability) or from a per-event ticket_classes lookup.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"eventmax/internal/geo"
	"eventmax/internal/httpclient"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

const (
	DefaultBaseURL = "https://www.eventbriteapi.com"
	DefaultTimeout = 12 * time.Second

	searchPath    = "/v3/events/search/"
	fallbackTitle = "Marketplace Event"
	eventURLBase  = "https://www.eventbrite.com/e/"

	ticketClassesUpstream = "marketplace_ticket_classes"
)

// Config configures a Client. Token may be empty if every query carries its
// own credential.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client fetches and normalizes marketplace listings.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a marketplace Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpclient.New(cfg.Timeout),
	}
}

func (c *Client) Source() model.Source {
	return model.SourceMarketplace
}

// Fetch runs the search described by q across every result page.
func (c *Client) Fetch(ctx context.Context, q provider.Query) provider.Result {
	started := time.Now()
	res := provider.Result{Source: model.SourceMarketplace}

	token, err := provider.ResolveCredential(q.Credential, c.token)
	if err != nil {
		res.Err = err
		return res
	}

	from, to := q.Window()
	params := url.Values{}
	params.Set("location.latitude", strconv.FormatFloat(q.Center.Lat, 'f', -1, 64))
	params.Set("location.longitude", strconv.FormatFloat(q.Center.Lon, 'f', -1, 64))
	params.Set("location.within", Within(q.RadiusMiles))
	params.Set("start_date.range_start", provider.FormatUTC(from))
	params.Set("start_date.range_end", provider.FormatUTC(to))
	params.Set("sort_by", "date")
	params.Set("expand", "venue,logo,ticket_availability")

	loc := q.Loc()
	// Page requests and ticket_classes lookups share one limit.
	slots := semaphore.NewWeighted(provider.MaxConcurrentPages)
	pager := &provider.Pager{
		Source:    model.SourceMarketplace,
		Client:    c.client,
		FirstPage: 1,
		Slots:     slots,
		NewRequest: func(ctx context.Context, page int) (*http.Request, error) {
			p := url.Values{}
			for k, v := range params {
				p[k] = v
			}
			p.Set("page", strconv.Itoa(page))
			return c.newRequest(ctx, searchPath+"?"+p.Encode(), token)
		},
		Decode: func(ctx context.Context, body []byte) (provider.Page, error) {
			return c.decodePage(ctx, body, token, slots, q.Center, loc)
		},
	}

	walk, err := pager.Run(ctx)
	res.Events, res.Pages, res.ReportedPages, res.FailedPages, res.Err = walk.Events, walk.Pages, walk.ReportedPages, walk.FailedPages, err

	outcome := "ok"
	if err != nil {
		outcome = "error"
		appLog.Error("marketplace fetch failed", err)
	}
	metrics.ProviderFetch(string(model.SourceMarketplace), outcome, time.Since(started), len(walk.Events))
	appLog.Info("marketplace fetch done", "events", len(walk.Events), "pages", walk.Pages, "reported_pages", walk.ReportedPages, "failed_pages", walk.FailedPages)
	return res
}

// Within renders the search radius in the API's "<miles>mi" form.
func Within(miles float64) string {
	return strconv.FormatFloat(miles, 'f', -1, 64) + "mi"
}

func (c *Client) newRequest(ctx context.Context, pathAndQuery, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type searchResponse struct {
	Pagination json.RawMessage   `json:"pagination"`
	Events     []json.RawMessage `json:"events"`
}

type money struct {
	MajorValue provider.Number `json:"major_value"`
	Value      provider.Number `json:"value"`
	Currency   string          `json:"currency"`
}

// amount prefers major_value ("25.00"), falling back to value in minor
// units (2500).
func (m *money) amount() *float64 {
	if m == nil {
		return nil
	}
	if m.MajorValue.Valid {
		return m.MajorValue.Ptr()
	}
	if m.Value.Valid {
		v := m.Value.Value / 100
		return &v
	}
	return nil
}

type rawEvent struct {
	ID   string `json:"id"`
	Name struct {
		Text string `json:"text"`
	} `json:"name"`
	Start struct {
		UTC   string `json:"utc"`
		Local string `json:"local"`
	} `json:"start"`
	URL   string `json:"url"`
	Venue *struct {
		Name      string          `json:"name"`
		Latitude  provider.Number `json:"latitude"`
		Longitude provider.Number `json:"longitude"`
		Address   struct {
			Latitude  provider.Number `json:"latitude"`
			Longitude provider.Number `json:"longitude"`
		} `json:"address"`
	} `json:"venue"`
	Logo *struct {
		URL      string `json:"url"`
		Original struct {
			URL string `json:"url"`
		} `json:"original"`
	} `json:"logo"`
	IsFree             *bool `json:"is_free"`
	TicketAvailability *struct {
		MinimumTicketPrice *money `json:"minimum_ticket_price"`
		MaximumTicketPrice *money `json:"maximum_ticket_price"`
	} `json:"ticket_availability"`
}

type priceLookup struct {
	index int
	id    string
}

func (c *Client) decodePage(ctx context.Context, body []byte, token string, slots *semaphore.Weighted, center geo.Point, loc *time.Location) (provider.Page, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return provider.Page{}, err
	}

	events := make([]model.Event, 0, len(resp.Events))
	var lookups []priceLookup
	for _, raw := range resp.Events {
		var item rawEvent
		if err := json.Unmarshal(raw, &item); err != nil {
			metrics.ItemDropped(string(model.SourceMarketplace), "decode")
			appLog.Debug("marketplace item undecodable", "err", err)
			continue
		}
		ev, ok := normalize(item, center, loc)
		if !ok {
			metrics.ItemDropped(string(model.SourceMarketplace), "no_date")
			continue
		}
		if needsPriceLookup(item) {
			lookups = append(lookups, priceLookup{index: len(events), id: strings.TrimSpace(item.ID)})
		}
		events = append(events, ev)
	}

	c.fillPrices(ctx, token, slots, events, lookups)

	return provider.Page{
		TotalPages: provider.PageCount(resp.Pagination, "page_count"),
		Events:     events,
	}, nil
}

func normalize(item rawEvent, center geo.Point, loc *time.Location) (model.Event, bool) {
	date, ok := provider.ParseTimestamp(item.Start.UTC, loc)
	if !ok {
		date, ok = provider.ParseTimestamp(item.Start.Local, loc)
	}
	if !ok {
		return model.Event{}, false
	}

	ev := model.Event{
		Title:     provider.Title(item.Name.Text, fallbackTitle),
		Date:      date,
		Latitude:  center.Lat,
		Longitude: center.Lon,
		URL:       provider.EventURL(item.URL, item.ID, eventURLBase),
		Source:    model.SourceMarketplace,
	}

	if v := item.Venue; v != nil {
		ev.Location = strings.TrimSpace(v.Name)
		ev.Latitude = v.Latitude.Or(v.Address.Latitude.Or(center.Lat))
		ev.Longitude = v.Longitude.Or(v.Address.Longitude.Or(center.Lon))
	}

	if l := item.Logo; l != nil {
		ev.ImageURL = strings.TrimSpace(l.URL)
		if ev.ImageURL == "" {
			ev.ImageURL = strings.TrimSpace(l.Original.URL)
		}
	}

	if item.IsFree != nil && *item.IsFree {
		return ev, true
	}
	if ta := item.TicketAvailability; ta != nil {
		ev.PriceMin = ta.MinimumTicketPrice.amount()
		ev.PriceMax = ta.MaximumTicketPrice.amount()
		ev.Currency = currencyOf(ta.MinimumTicketPrice, ta.MaximumTicketPrice)
	}
	return ev, true
}

// needsPriceLookup reports whether the listing carried no usable inline
// price and is not flagged free, so ticket classes must be consulted.
func needsPriceLookup(item rawEvent) bool {
	if strings.TrimSpace(item.ID) == "" {
		return false
	}
	if item.IsFree != nil && *item.IsFree {
		return false
	}
	ta := item.TicketAvailability
	return ta == nil || (ta.MinimumTicketPrice.amount() == nil && ta.MaximumTicketPrice.amount() == nil)
}

func currencyOf(ms ...*money) string {
	for _, m := range ms {
		if m != nil && strings.TrimSpace(m.Currency) != "" {
			return strings.TrimSpace(m.Currency)
		}
	}
	return ""
}

// fillPrices resolves ticket-class prices for the listed events, taking each
// request's slot from the fetch-wide limit. A failed lookup leaves that
// event's price unknown.
func (c *Client) fillPrices(ctx context.Context, token string, slots *semaphore.Weighted, events []model.Event, lookups []priceLookup) {
	if len(lookups) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(provider.MaxConcurrentPages)
	for _, l := range lookups {
		g.Go(func() error {
			if err := slots.Acquire(ctx, 1); err != nil {
				return nil
			}
			pmin, pmax, cur, err := c.ticketClassPrices(ctx, token, l.id)
			slots.Release(1)
			if err != nil {
				appLog.Debug("marketplace ticket class lookup failed", "event_id", l.id, "err", err)
				return nil
			}
			ev := &events[l.index]
			ev.PriceMin, ev.PriceMax, ev.Currency = pmin, pmax, cur
			return nil
		})
	}
	_ = g.Wait()
}

type ticketClassesResponse struct {
	TicketClasses []struct {
		Free     bool   `json:"free"`
		Donation bool   `json:"donation"`
		Cost     *money `json:"cost"`
	} `json:"ticket_classes"`
}

// ticketClassPrices fetches an event's ticket classes and returns the min
// and max cost over paid classes. Free and donation classes are ignored.
func (c *Client) ticketClassPrices(ctx context.Context, token, id string) (pmin, pmax *float64, currency string, err error) {
	req, err := c.newRequest(ctx, "/v3/events/"+url.PathEscape(id)+"/ticket_classes/", token)
	if err != nil {
		return nil, nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.UpstreamRequest(ticketClassesUpstream, 0)
		return nil, nil, "", err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequest(ticketClassesUpstream, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, nil, "", fmt.Errorf("ticket classes status %d", resp.StatusCode)
	}

	var tc ticketClassesResponse
	if err := json.NewDecoder(resp.Body).Decode(&tc); err != nil {
		return nil, nil, "", err
	}

	for _, cls := range tc.TicketClasses {
		if cls.Free || cls.Donation {
			continue
		}
		amt := cls.Cost.amount()
		if amt == nil {
			continue
		}
		if pmin == nil || *amt < *pmin {
			v := *amt
			pmin = &v
		}
		if pmax == nil || *amt > *pmax {
			v := *amt
			pmax = &v
		}
		if currency == "" {
			currency = strings.TrimSpace(cls.Cost.Currency)
		}
	}
	return pmin, pmax, currency, nil
}
