// Package feed turns subscribed iCalendar feeds (venue calendars, community
// boards) into a provider. Feeds need no credential; the query credential is
// ignored.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"eventmax/internal/geo"
	"eventmax/internal/ics"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

const fallbackTitle = "Calendar Event"

// Fetcher is the subset of ics.Fetcher the provider needs.
type Fetcher interface {
	Fetch(ctx context.Context, feed ics.Feed) (ics.FetchResult, error)
}

// Provider reads every configured feed on each Fetch.
type Provider struct {
	feeds   []ics.Feed
	fetcher Fetcher
}

func New(feeds []ics.Feed, fetcher Fetcher) *Provider {
	return &Provider{feeds: feeds, fetcher: fetcher}
}

func (p *Provider) Source() model.Source {
	return model.SourceFeed
}

// Fetch downloads feeds concurrently (bounded like provider pages), expands
// recurrences inside the query window and maps occurrences to Events. Pages
// counts feeds; FailedPages counts feeds that could not be read. Err is set
// only when every feed failed.
func (p *Provider) Fetch(ctx context.Context, q provider.Query) provider.Result {
	started := time.Now()
	res := provider.Result{Source: model.SourceFeed, Pages: len(p.feeds), ReportedPages: len(p.feeds)}
	if len(p.feeds) == 0 {
		return res
	}

	loc := q.Loc()
	from, to := q.Window()
	perFeed := make([][]model.Event, len(p.feeds))
	var failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(provider.MaxConcurrentPages)
	for i, f := range p.feeds {
		g.Go(func() error {
			events, err := p.fetchOne(ctx, f, q.Center, loc, from, to)
			if err != nil {
				failed.Add(1)
				appLog.Error("feed read failed", err, "feed", f.ID)
				return nil
			}
			perFeed[i] = events
			return nil
		})
	}
	_ = g.Wait()

	for _, evs := range perFeed {
		res.Events = append(res.Events, evs...)
	}
	res.FailedPages = int(failed.Load())

	outcome := "ok"
	if res.FailedPages == len(p.feeds) {
		res.Err = fmt.Errorf("%w: all %d feeds failed", provider.ErrUpstream, len(p.feeds))
		outcome = "error"
	}
	metrics.ProviderFetch(string(model.SourceFeed), outcome, time.Since(started), len(res.Events))
	appLog.Info("feed fetch done", "events", len(res.Events), "feeds", len(p.feeds), "failed", res.FailedPages)
	return res
}

func (p *Provider) fetchOne(ctx context.Context, f ics.Feed, center geo.Point, loc *time.Location, from, to time.Time) ([]model.Event, error) {
	fr, err := p.fetcher.Fetch(ctx, f)
	if err != nil {
		return nil, err
	}
	entries, err := ics.Parse(f.ID, fr.Body, loc)
	if err != nil {
		return nil, err
	}
	occ, err := ics.Expand(entries, ics.ExpandConfig{
		Location:   loc,
		RangeStart: from,
		RangeEnd:   to,
	})
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(occ))
	for _, o := range occ {
		events = append(events, toEvent(o, center))
	}
	return events, nil
}

func toEvent(o ics.Occurrence, center geo.Point) model.Event {
	ev := model.Event{
		Title:     provider.Title(o.Summary, fallbackTitle),
		Date:      o.Start,
		Location:  strings.TrimSpace(o.Location),
		Latitude:  center.Lat,
		Longitude: center.Lon,
		Source:    model.SourceFeed,
	}
	if o.HasGeo {
		ev.Latitude, ev.Longitude = o.Lat, o.Lon
	}
	if u := strings.TrimSpace(o.URL); provider.IsAbsoluteURL(u) {
		ev.URL = u
	}
	return ev
}
