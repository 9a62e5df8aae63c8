package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
)

const (
	// MaxConcurrentPages bounds the outbound requests in flight for one
	// provider fetch, page requests and any per-item lookups together.
	MaxConcurrentPages = 8

	// DefaultMaxPages caps how many pages one listing walk requests.
	DefaultMaxPages = 50
	maxBodyBytes    = 16 << 20
)

// Page is one decoded listing page.
type Page struct {
	Events []model.Event
	// TotalPages as reported by the page's pagination metadata; values
	// below 1 are treated as 1.
	TotalPages int
}

// Pager walks a paginated listing: it fetches the first page, reads the
// total page count from it and then fetches the remaining pages
// concurrently. Request building and item normalization are supplied by the
// provider.
type Pager struct {
	Source model.Source
	Client *http.Client

	// FirstPage is the index of the first page (0 or 1 depending on the API).
	FirstPage int
	// MaxPages caps how many pages are requested. Zero means DefaultMaxPages.
	MaxPages int
	// Slots is the request limit shared by the whole fetch. Providers whose
	// Decode issues further requests pass the same semaphore to them. nil
	// means a fresh limit of MaxConcurrentPages per Run.
	Slots *semaphore.Weighted

	NewRequest func(ctx context.Context, page int) (*http.Request, error)
	Decode     func(ctx context.Context, body []byte) (Page, error)
}

// Walk is the outcome of one Run.
type Walk struct {
	Events []model.Event
	// ReportedPages is the page count the listing advertised; Pages is how
	// many were requested after the MaxPages cap.
	ReportedPages int
	Pages         int
	FailedPages   int
}

// Truncated reports whether the cap cut the listing short.
func (w Walk) Truncated() bool {
	return w.ReportedPages > w.Pages
}

// Run fetches every page. A failed first page aborts the walk and its error
// is returned. Failures on later pages are counted and skipped without
// affecting siblings. Events are returned in page order.
func (p *Pager) Run(ctx context.Context) (Walk, error) {
	ctx, span := otel.Tracer("eventmax/provider").Start(ctx, "provider.paginate")
	span.SetAttributes(attribute.String("provider", string(p.Source)))
	defer span.End()

	slots := p.Slots
	if slots == nil {
		slots = semaphore.NewWeighted(MaxConcurrentPages)
	}

	first, err := p.fetch(ctx, slots, p.FirstPage)
	if err != nil {
		span.RecordError(err)
		return Walk{}, err
	}

	reported := first.TotalPages
	if reported < 1 {
		reported = 1
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	total := min(reported, maxPages)
	if total < reported {
		appLog.Warn("provider page count capped", "provider", p.Source, "reported", reported, "cap", maxPages)
	}
	span.SetAttributes(attribute.Int("pages", total), attribute.Int("reported_pages", reported))

	walk := Walk{ReportedPages: reported, Pages: total}
	if total == 1 {
		walk.Events = first.Events
		return walk, nil
	}

	rest := make([][]model.Event, total-1)
	var failedCount atomic.Int32

	var g errgroup.Group
	g.SetLimit(MaxConcurrentPages)
	for i := 1; i < total; i++ {
		g.Go(func() error {
			page := p.FirstPage + i
			pg, err := p.fetch(ctx, slots, page)
			if err != nil {
				failedCount.Add(1)
				appLog.Error("provider page fetch failed", err, "provider", p.Source, "page", page)
				return nil
			}
			rest[i-1] = pg.Events
			return nil
		})
	}
	_ = g.Wait()

	walk.Events = first.Events
	for _, evs := range rest {
		walk.Events = append(walk.Events, evs...)
	}
	walk.FailedPages = int(failedCount.Load())
	return walk, nil
}

// fetch holds a slot only while the request and body read are in flight, so
// Decode may take slots of its own.
func (p *Pager) fetch(ctx context.Context, slots *semaphore.Weighted, page int) (Page, error) {
	body, err := p.download(ctx, slots, page)
	if err != nil {
		return Page{}, err
	}
	pg, err := p.Decode(ctx, body)
	if err != nil {
		return Page{}, fmt.Errorf("%w: page %d: decode: %v", ErrUpstream, page, err)
	}
	appLog.Debug("provider page fetched", "provider", p.Source, "page", page, "events", len(pg.Events))
	return pg, nil
}

func (p *Pager) download(ctx context.Context, slots *semaphore.Weighted, page int) ([]byte, error) {
	req, err := p.NewRequest(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: build request: %v", ErrUpstream, page, err)
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ErrUpstream, page, err)
	}
	defer slots.Release(1)

	resp, err := p.Client.Do(req)
	if err != nil {
		metrics.UpstreamRequest(string(p.Source), 0)
		return nil, fmt.Errorf("%w: page %d: %v", ErrUpstream, page, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequest(string(p.Source), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(resp.StatusCode, page)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: read body: %v", ErrUpstream, page, err)
	}
	return body, nil
}
