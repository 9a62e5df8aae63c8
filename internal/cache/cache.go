// Package cache memoizes whole aggregate results for a bounded time.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"eventmax/internal/aggregate"
	"eventmax/internal/geo"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
)

const (
	DefaultTTL = 2 * time.Hour
	// ComputeTimeout bounds one shared aggregation. It runs detached from
	// the caller that started it, so a disconnecting client does not fail
	// the callers waiting on the same flight.
	ComputeTimeout = 2 * time.Minute
)

// Aggregator is the computation being memoized.
type Aggregator interface {
	Aggregate(ctx context.Context, req aggregate.Request) aggregate.Result
}

// Cache wraps an Aggregator. Concurrent identical requests share one
// aggregation. Results are not stored when geocoding failed or a provider hit
// a transient upstream error.
type Cache struct {
	agg   Aggregator
	store Store
	ttl   time.Duration
	loc   *time.Location
	group singleflight.Group
}

// New returns a Cache. Cached event dates are restored into loc.
func New(agg Aggregator, store Store, ttl time.Duration, loc *time.Location) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cache{agg: agg, store: store, ttl: ttl, loc: loc}
}

// Aggregate returns a cached result for req or computes and stores one.
func (c *Cache) Aggregate(ctx context.Context, req aggregate.Request) aggregate.Result {
	key := Key(req)

	if res, ok := c.lookup(ctx, key); ok {
		return res
	}

	res, shared := c.compute(ctx, key, req)
	if shared {
		metrics.CacheLookup("shared")
	}
	return res
}

// Refresh recomputes req and overwrites any cached entry.
func (c *Cache) Refresh(ctx context.Context, req aggregate.Request) aggregate.Result {
	res, _ := c.compute(ctx, Key(req), req)
	return res
}

func (c *Cache) compute(ctx context.Context, key string, req aggregate.Request) (aggregate.Result, bool) {
	v, _, shared := c.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ComputeTimeout)
		defer cancel()
		res := c.agg.Aggregate(ctx, req)
		if cacheable(res) {
			c.save(ctx, key, res)
		}
		return res, nil
	})
	return v.(aggregate.Result), shared
}

// Purge drops every cached result.
func (c *Cache) Purge(ctx context.Context) error {
	if err := c.store.Purge(ctx); err != nil {
		return err
	}
	appLog.Info("result cache purged")
	return nil
}

func (c *Cache) lookup(ctx context.Context, key string) (aggregate.Result, bool) {
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.CacheLookup("error")
		appLog.Error("cache get failed", err, "key", key)
		return aggregate.Result{}, false
	}
	if !ok {
		metrics.CacheLookup("miss")
		return aggregate.Result{}, false
	}
	res, err := decode(b, c.loc)
	if err != nil {
		metrics.CacheLookup("error")
		appLog.Error("cache entry undecodable", err, "key", key)
		return aggregate.Result{}, false
	}
	metrics.CacheLookup("hit")
	return res, true
}

func (c *Cache) save(ctx context.Context, key string, res aggregate.Result) {
	b, err := encode(res)
	if err != nil {
		appLog.Error("cache encode failed", err)
		return
	}
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		appLog.Error("cache set failed", err, "key", key)
	}
}

func cacheable(res aggregate.Result) bool {
	if res.Err != nil {
		return false
	}
	for _, p := range res.Providers {
		if errors.Is(p.Err, provider.ErrUpstream) {
			return false
		}
	}
	return true
}

// Key hashes the full parameter tuple. Credentials only contribute a
// fingerprint, so they never appear in a store key.
func Key(req aggregate.Request) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(req.PostalCode)
	write(strconv.FormatFloat(req.RadiusMiles, 'f', -1, 64))
	write(req.Start.Format(time.DateOnly))
	write(req.End.Format(time.DateOnly))
	write(fingerprint(req.Credentials.CatalogKey))
	write(fingerprint(req.Credentials.MarketplaceKey))
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

type entry struct {
	Center    geo.Point       `json:"center"`
	Events    []model.Event   `json:"events"`
	Providers []providerEntry `json:"providers"`
}

type providerEntry struct {
	Source      model.Source `json:"source"`
	Pages         int          `json:"pages"`
	ReportedPages int          `json:"reported_pages"`
	FailedPages   int          `json:"failed_pages"`
	ErrKind     string       `json:"err_kind,omitempty"`
	ErrMsg      string       `json:"err_msg,omitempty"`
}

var errKinds = map[string]error{
	"unauthorized":  provider.ErrUnauthorized,
	"upstream":      provider.ErrUpstream,
	"no_credential": provider.ErrNoCredential,
}

// cachedError restores errors.Is matching for provider errors read back
// from the store.
type cachedError struct {
	kind error
	msg  string
}

func (e *cachedError) Error() string { return e.msg }
func (e *cachedError) Unwrap() error { return e.kind }

func encode(res aggregate.Result) ([]byte, error) {
	ent := entry{Center: res.Center, Events: res.Events}
	for _, p := range res.Providers {
		pe := providerEntry{
			Source:        p.Source,
			Pages:         p.Pages,
			ReportedPages: p.ReportedPages,
			FailedPages:   p.FailedPages,
		}
		if p.Err != nil {
			pe.ErrMsg = p.Err.Error()
			for name, kind := range errKinds {
				if errors.Is(p.Err, kind) {
					pe.ErrKind = name
				}
			}
		}
		ent.Providers = append(ent.Providers, pe)
	}
	return json.Marshal(ent)
}

// decode rebuilds a Result. Per-provider event slices are not stored; only
// the merged, filtered list is.
func decode(b []byte, loc *time.Location) (aggregate.Result, error) {
	var ent entry
	if err := json.Unmarshal(b, &ent); err != nil {
		return aggregate.Result{}, err
	}
	res := aggregate.Result{
		Center: ent.Center,
		Events: make([]model.Event, len(ent.Events)),
	}
	for i, ev := range ent.Events {
		ev.Date = ev.Date.In(loc)
		res.Events[i] = ev
	}
	for _, pe := range ent.Providers {
		pr := provider.Result{
			Source:        pe.Source,
			Pages:         pe.Pages,
			ReportedPages: pe.ReportedPages,
			FailedPages:   pe.FailedPages,
		}
		if pe.ErrMsg != "" || pe.ErrKind != "" {
			kind := errKinds[pe.ErrKind]
			if kind == nil {
				kind = errors.New(pe.ErrMsg)
			}
			pr.Err = &cachedError{kind: kind, msg: pe.ErrMsg}
		}
		res.Providers = append(res.Providers, pr)
	}
	return res, nil
}
