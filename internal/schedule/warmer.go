// Package schedule keeps the result cache warm on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"eventmax/internal/aggregate"
	appLog "eventmax/internal/log"
)

// Refresher recomputes and stores one aggregation.
type Refresher interface {
	Refresh(ctx context.Context, req aggregate.Request) aggregate.Result
}

// Search is one configured warm-up query.
type Search struct {
	PostalCode  string
	RadiusMiles float64
}

// WarmerConfig configures a Warmer.
type WarmerConfig struct {
	// Spec is a standard five-field cron expression.
	Spec     string
	Searches []Search
	// Months is how many month windows, starting with the current one, are
	// refreshed per search. Zero means one.
	Months   int
	Location *time.Location
}

// Warmer refreshes every configured search on a cron schedule.
type Warmer struct {
	cfg       WarmerConfig
	refresher Refresher
	cron      *cron.Cron
	now       func() time.Time
}

func NewWarmer(cfg WarmerConfig, refresher Refresher) (*Warmer, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Months <= 0 {
		cfg.Months = 1
	}
	if cfg.Spec == "" {
		return nil, errors.New("schedule: empty cron spec")
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, err
	}

	w := &Warmer{cfg: cfg, refresher: refresher, now: time.Now}
	logger := cronLogger{}
	w.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return w, nil
}

// Start schedules warm-ups until ctx is done. It does not block.
func (w *Warmer) Start(ctx context.Context) error {
	if len(w.cfg.Searches) == 0 {
		appLog.Info("cache warm-up disabled: no searches configured")
		return nil
	}
	if _, err := w.cron.AddFunc(w.cfg.Spec, func() { w.RunOnce(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	appLog.Info("cache warm-up scheduled", "spec", w.cfg.Spec, "searches", len(w.cfg.Searches), "months", w.cfg.Months)

	go func() {
		<-ctx.Done()
		<-w.cron.Stop().Done()
	}()
	return nil
}

// RunOnce refreshes every search for every window and returns how many
// aggregations ran.
func (w *Warmer) RunOnce(ctx context.Context) int {
	windows, err := MonthWindows(w.now(), w.cfg.Months, w.cfg.Location)
	if err != nil {
		appLog.Error("warm-up: month windows", err)
		return 0
	}

	n := 0
	for _, s := range w.cfg.Searches {
		for _, win := range windows {
			if ctx.Err() != nil {
				return n
			}
			res := w.refresher.Refresh(ctx, aggregate.Request{
				PostalCode:  s.PostalCode,
				RadiusMiles: s.RadiusMiles,
				Start:       win.Start,
				End:         win.End,
			})
			n++
			if res.Err != nil {
				appLog.Error("warm-up search failed", res.Err, "postal_code", s.PostalCode)
				continue
			}
			appLog.Debug("warm-up search done",
				"postal_code", s.PostalCode,
				"month", win.Start.Format("2006-01"),
				"events", len(res.Events),
			)
		}
	}
	return n
}

// cronLogger routes cron's own logging into the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
