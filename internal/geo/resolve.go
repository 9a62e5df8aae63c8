package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"eventmax/internal/httpclient"
	appLog "eventmax/internal/log"
)

// ErrNotFound is returned when a postal code cannot be resolved to a point,
// for any reason (empty input, network error, no match).
var ErrNotFound = errors.New("geo: postal code not found")

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "eventmax/0.1 (postal code lookup)"
	DefaultCountry   = "USA"
	DefaultTimeout   = 10 * time.Second
)

// ResolverConfig configures a Resolver. Zero values take the defaults above.
type ResolverConfig struct {
	BaseURL   string
	UserAgent string
	Country   string
	Timeout   time.Duration
}

// Resolver turns postal codes into coordinates using a Nominatim-compatible
// search endpoint. It performs a single best-effort request per call and
// never retries.
type Resolver struct {
	baseURL   string
	userAgent string
	country   string
	client    *http.Client
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Country == "" {
		cfg.Country = DefaultCountry
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Resolver{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		country:   cfg.Country,
		client:    httpclient.New(cfg.Timeout),
	}
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Resolve looks up postalCode. Every failure is reported as an error that
// matches ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, postalCode string) (Point, error) {
	code := strings.TrimSpace(postalCode)
	if code == "" {
		return Point{}, fmt.Errorf("%w: empty postal code", ErrNotFound)
	}

	q := url.Values{}
	q.Set("postalcode", code)
	q.Set("country", r.country)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		appLog.Error("geocode request failed", err, "postal_code", code)
		return Point{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		appLog.Warn("geocode non-OK status", "postal_code", code, "status", resp.StatusCode)
		return Point{}, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return Point{}, fmt.Errorf("%w: decode: %v", ErrNotFound, err)
	}
	if len(places) == 0 {
		return Point{}, fmt.Errorf("%w: no match for %q", ErrNotFound, code)
	}

	lat, errLat := strconv.ParseFloat(strings.TrimSpace(places[0].Lat), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(places[0].Lon), 64)
	if errLat != nil || errLon != nil {
		return Point{}, fmt.Errorf("%w: bad coordinates %q,%q", ErrNotFound, places[0].Lat, places[0].Lon)
	}

	p := Point{Lat: lat, Lon: lon}
	appLog.Debug("geocode resolved", "postal_code", code, "lat", p.Lat, "lon", p.Lon)
	return p, nil
}
