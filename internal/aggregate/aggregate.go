// Package aggregate runs the event pipeline: geocode the postal code, query
// every provider concurrently, then filter, dedup and sort the merged list.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"eventmax/internal/geo"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

// ErrGeocode is the only failure that aborts an aggregation.
var ErrGeocode = errors.New("aggregate: postal code could not be resolved")

// Resolver turns a postal code into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, postalCode string) (geo.Point, error)
}

// Credentials are per-request provider credentials. Empty values fall back
// to whatever each provider client was configured with.
type Credentials struct {
	CatalogKey     string
	MarketplaceKey string
}

func (c Credentials) For(src model.Source) string {
	switch src {
	case model.SourceCatalog:
		return c.CatalogKey
	case model.SourceMarketplace:
		return c.MarketplaceKey
	default:
		return ""
	}
}

// Request describes one aggregation. Start and End are calendar dates and End
// is inclusive.
type Request struct {
	PostalCode  string
	RadiusMiles float64
	Start       time.Time
	End         time.Time
	Credentials Credentials
}

// Result is the outcome of Aggregate. Err is nil or wraps ErrGeocode;
// per-provider failures live in Providers so callers can tell an empty area
// from a failed upstream.
type Result struct {
	Center    geo.Point
	Events    []model.Event
	Providers []provider.Result
	Err       error
}

// Aggregator fans a Request out to its providers.
type Aggregator struct {
	resolver  Resolver
	providers []provider.Provider
	loc       *time.Location
}

// New builds an Aggregator. Providers are merged in the order given. A nil
// loc means time.Local.
func New(resolver Resolver, loc *time.Location, providers ...provider.Provider) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{resolver: resolver, providers: providers, loc: loc}
}

// Location is the display zone every emitted Event.Date is expressed in.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// Aggregate never panics on upstream failures and never returns a bare
// error. An empty Events slice with a nil Err is a valid outcome.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) Result {
	started := time.Now()
	ctx, span := otel.Tracer("eventmax/aggregate").Start(ctx, "aggregate")
	span.SetAttributes(
		attribute.String("postal_code", req.PostalCode),
		attribute.Float64("radius_miles", req.RadiusMiles),
	)
	defer span.End()
	defer func() { metrics.Aggregate(time.Since(started)) }()

	center, err := a.resolver.Resolve(ctx, req.PostalCode)
	if err != nil {
		err = fmt.Errorf("%w: %q: %w", ErrGeocode, req.PostalCode, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "geocode")
		appLog.Warn("aggregate: geocode failed", "postal_code", req.PostalCode, "err", err)
		return Result{Events: []model.Event{}, Err: err}
	}

	results := a.fetchAll(ctx, center, req)

	var merged []model.Event
	for _, r := range results {
		merged = append(merged, r.Events...)
	}

	from, to := provider.Window(req.Start, req.End, a.loc)
	events := make([]model.Event, 0, len(merged))
	outside := 0
	for _, ev := range merged {
		if !InWindow(ev, from, to) || !InRadius(ev, center, req.RadiusMiles) {
			outside++
			continue
		}
		events = append(events, ev)
	}

	events = model.Dedup(events)
	model.SortByDate(events)

	span.SetAttributes(attribute.Int("events", len(events)))
	appLog.Info("aggregate done",
		"postal_code", req.PostalCode,
		"merged", len(merged),
		"filtered", outside,
		"events", len(events),
		"took", time.Since(started).String(),
	)
	return Result{Center: center, Events: events, Providers: results}
}

// fetchAll runs every provider concurrently. Results keep provider order.
func (a *Aggregator) fetchAll(ctx context.Context, center geo.Point, req Request) []provider.Result {
	results := make([]provider.Result, len(a.providers))
	var g errgroup.Group
	for i, p := range a.providers {
		q := provider.Query{
			Center:      center,
			RadiusMiles: req.RadiusMiles,
			Start:       req.Start,
			End:         req.End,
			Credential:  req.Credentials.For(p.Source()),
			Location:    a.loc,
		}
		g.Go(func() error {
			pctx, span := otel.Tracer("eventmax/aggregate").Start(ctx, "provider.fetch")
			defer span.End()
			span.SetAttributes(attribute.String("provider", string(p.Source())))

			results[i] = p.Fetch(pctx, q)
			if results[i].Source == "" {
				results[i].Source = p.Source()
			}
			span.SetAttributes(
				attribute.Int("events", len(results[i].Events)),
				attribute.Int("failed_pages", results[i].FailedPages),
			)
			if err := results[i].Err; err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "provider")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// InRadius reports whether ev lies within radius miles of center.
func InRadius(ev model.Event, center geo.Point, radius float64) bool {
	d := geo.DistanceMiles(center, geo.Point{Lat: ev.Latitude, Lon: ev.Longitude})
	return d <= radius
}

// InWindow reports whether ev.Date falls in [from, to).
func InWindow(ev model.Event, from, to time.Time) bool {
	return !ev.Date.Before(from) && ev.Date.Before(to)
}
