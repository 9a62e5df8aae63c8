package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eventmax/internal/aggregate"
	"eventmax/internal/cache"
	"eventmax/internal/config"
	"eventmax/internal/geo"
	"eventmax/internal/ics"
	appLog "eventmax/internal/log"
	"eventmax/internal/model"
	"eventmax/internal/provider"
	"eventmax/internal/provider/catalog"
	"eventmax/internal/provider/feed"
	"eventmax/internal/provider/marketplace"
	"eventmax/internal/schedule"
	"eventmax/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; search flags override config defaults.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
	zip        string
	radius     float64
	start      string
	end        string
	sort       string
}

func main() {
	appLog.Info("eventmax starting", "version", version)

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = "debug"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	defer appLog.Sync()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"cache_backend", conf.Cache.Backend,
		"cache_ttl", conf.Cache.TTL.String(),
		"feed_count", len(conf.Feeds),
		"warm_searches", len(conf.Warm.Searches),
		"once", flags.once,
	)

	// Secrets are resolved from the environment only for the running process.
	resolved := conf.Resolved()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	agg := newAggregator(resolved)

	if flags.once {
		if err := runOnce(ctx, os.Stdout, agg, resolved, flags, time.Now()); err != nil {
			appLog.Error("single aggregation failed", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, agg, resolved, flags.debug); err != nil {
		appLog.Error("server exited with error", err)
		os.Exit(1)
	}
	appLog.Info("eventmax exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/eventmax/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one aggregation, print JSON to stdout and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and gin debug mode")
	flag.StringVar(&cfg.zip, "zip", "", "Postal code for -once (default: search.postal_code)")
	flag.Float64Var(&cfg.radius, "radius", 0, "Radius in miles for -once (default: search.radius_miles)")
	flag.StringVar(&cfg.start, "start", "", "First day YYYY-MM-DD for -once (default: start of current month)")
	flag.StringVar(&cfg.end, "end", "", "Last day YYYY-MM-DD for -once (default: end of current month)")
	flag.StringVar(&cfg.sort, "sort", "date", "Sort order for -once: date or price")

	flag.Parse()

	return cfg
}

// newAggregator wires the geocoder and every configured provider.
func newAggregator(conf *config.Config) *aggregate.Aggregator {
	resolver := geo.NewResolver(geo.ResolverConfig{
		BaseURL:   conf.Geocoder.BaseURL,
		UserAgent: conf.Geocoder.UserAgent,
		Country:   conf.Search.Country,
		Timeout:   conf.Geocoder.Timeout,
	})
	return aggregate.New(resolver, conf.Location(), providers(conf)...)
}

// providers returns the catalog and marketplace clients, plus the feed
// provider when feeds are configured. Order is the merge order.
func providers(conf *config.Config) []provider.Provider {
	if conf.Catalog.APIKey == "" {
		appLog.Warn("catalog api key not set; catalog requests need a per-request key")
	}
	if conf.Marketplace.APIKey == "" {
		appLog.Warn("marketplace api key not set; marketplace requests need a per-request key")
	}

	out := []provider.Provider{
		catalog.New(catalog.Config{
			BaseURL: conf.Catalog.BaseURL,
			APIKey:  conf.Catalog.APIKey,
			Timeout: conf.Catalog.Timeout,
		}),
		marketplace.New(marketplace.Config{
			BaseURL: conf.Marketplace.BaseURL,
			Token:   conf.Marketplace.APIKey,
			Timeout: conf.Marketplace.Timeout,
		}),
	}

	feeds := make([]ics.Feed, 0, len(conf.Feeds))
	for _, f := range conf.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			continue
		}
		feeds = append(feeds, ics.Feed{ID: f.ID, URL: f.URL})
	}
	if len(feeds) > 0 {
		out = append(out, feed.New(feeds, ics.NewFetcher(conf.FeedCacheDir, ics.DefaultFetchTimeout)))
	}
	return out
}

// newStore picks the result cache backend. A Redis backend that cannot be
// reached at startup is fatal rather than silently replaced.
func newStore(ctx context.Context, conf *config.Config) (cache.Store, func(), error) {
	if conf.Cache.Backend != config.CacheBackendRedis {
		return cache.NewMemoryStore(), func() {}, nil
	}
	rs, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:     conf.Cache.Redis.Addr,
		Password: conf.Cache.Redis.Password,
		DB:       conf.Cache.Redis.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	return rs, func() { _ = rs.Close() }, nil
}

func serve(ctx context.Context, agg *aggregate.Aggregator, conf *config.Config, debug bool) error {
	store, closeStore, err := newStore(ctx, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	results := cache.New(agg, store, conf.Cache.TTL, agg.Location())

	searches := make([]schedule.Search, 0, len(conf.Warm.Searches))
	for _, s := range conf.Warm.Searches {
		searches = append(searches, schedule.Search{PostalCode: s.PostalCode, RadiusMiles: s.RadiusMiles})
	}
	warmer, err := schedule.NewWarmer(schedule.WarmerConfig{
		Spec:     conf.RefreshCron,
		Searches: searches,
		Months:   conf.Warm.Months,
		Location: agg.Location(),
	}, results)
	if err != nil {
		return fmt.Errorf("refresh schedule: %w", err)
	}
	if err := warmer.Start(ctx); err != nil {
		return fmt.Errorf("refresh schedule: %w", err)
	}

	return web.NewServer(conf, results, debug).ListenAndServe(ctx)
}

// onceOutput is what -once prints.
type onceOutput struct {
	PostalCode  string            `json:"postal_code"`
	RadiusMiles float64           `json:"radius_miles"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	Center      geo.Point         `json:"center"`
	Events      []model.Event     `json:"events"`
	Providers   []providerSummary `json:"providers"`
}

type providerSummary struct {
	Source        model.Source `json:"source"`
	Pages         int          `json:"pages"`
	ReportedPages int          `json:"reported_pages"`
	FailedPages   int          `json:"failed_pages"`
	Error         string       `json:"error,omitempty"`
}

// aggregator is what runOnce needs from the pipeline.
type aggregator interface {
	Aggregate(ctx context.Context, req aggregate.Request) aggregate.Result
}

func runOnce(ctx context.Context, w io.Writer, agg aggregator, conf *config.Config, flags flagConfig, now time.Time) error {
	req, err := onceRequest(conf, flags, now)
	if err != nil {
		return err
	}
	if flags.sort != "date" && flags.sort != "price" {
		return fmt.Errorf("unknown sort %q", flags.sort)
	}

	res := agg.Aggregate(ctx, req)
	if res.Err != nil {
		return res.Err
	}

	events := append([]model.Event{}, res.Events...)
	if flags.sort == "price" {
		model.SortByPrice(events)
	}

	out := onceOutput{
		PostalCode:  req.PostalCode,
		RadiusMiles: req.RadiusMiles,
		Start:       req.Start.Format(time.DateOnly),
		End:         req.End.Format(time.DateOnly),
		Center:      res.Center,
		Events:      events,
		Providers:   make([]providerSummary, 0, len(res.Providers)),
	}
	for _, p := range res.Providers {
		ps := providerSummary{Source: p.Source, Pages: p.Pages, ReportedPages: p.ReportedPages, FailedPages: p.FailedPages}
		if p.Err != nil {
			ps.Error = p.Err.Error()
		}
		out.Providers = append(out.Providers, ps)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// onceRequest builds the request for -once from flags, falling back to the
// configured search defaults and the current month.
func onceRequest(conf *config.Config, flags flagConfig, now time.Time) (aggregate.Request, error) {
	loc := conf.Location()

	zip := strings.TrimSpace(flags.zip)
	if zip == "" {
		zip = conf.Search.PostalCode
	}
	if zip == "" {
		return aggregate.Request{}, errors.New("no postal code: pass -zip or set search.postal_code")
	}

	radius := flags.radius
	if radius == 0 {
		radius = conf.Search.RadiusMiles
	}

	window := schedule.CurrentMonth(now, loc)
	start, end := window.Start, window.End
	var err error
	if flags.start != "" {
		if start, err = time.ParseInLocation(time.DateOnly, flags.start, loc); err != nil {
			return aggregate.Request{}, fmt.Errorf("invalid -start: %w", err)
		}
	}
	if flags.end != "" {
		if end, err = time.ParseInLocation(time.DateOnly, flags.end, loc); err != nil {
			return aggregate.Request{}, fmt.Errorf("invalid -end: %w", err)
		}
	}
	if end.Before(start) {
		return aggregate.Request{}, fmt.Errorf("-end %s is before -start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	return aggregate.Request{
		PostalCode:  zip,
		RadiusMiles: config.ClampRadius(radius),
		Start:       start,
		End:         end,
	}, nil
}
