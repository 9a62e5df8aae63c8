package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"eventmax/internal/aggregate"
	"eventmax/internal/config"
	"eventmax/internal/geo"
	"eventmax/internal/ics"
	appLog "eventmax/internal/log"
	"eventmax/internal/metrics"
	"eventmax/internal/model"
	"eventmax/internal/provider"
	"eventmax/internal/schedule"
)

const (
	catalogKeyHeader     = "X-Catalog-Key"
	marketplaceKeyHeader = "X-Marketplace-Key"

	monthLayout     = "2006-01"
	shutdownTimeout = 5 * time.Second
)

// Service is what the HTTP API needs from the aggregation pipeline. The
// result cache satisfies it.
type Service interface {
	Aggregate(ctx context.Context, req aggregate.Request) aggregate.Result
	Purge(ctx context.Context) error
}

// Server provides the HTTP API over a Service.
type Server struct {
	cfg    *config.Config
	svc    Service
	loc    *time.Location
	debug  bool
	engine *gin.Engine
	now    func() time.Time
}

// NewServer constructs a new Server. cfg must already have its secrets
// resolved (config.Config.Resolved).
func NewServer(cfg *config.Config, svc Service, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		loc:    cfg.Location(),
		debug:  debug,
		engine: gin.New(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "debug", s.debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.Use(gin.Recovery(), requestID(), tracing(), accessLog())

	// /health is always exposed without auth.
	r.GET("/health", s.handleHealth)

	api := r.Group("")
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		api.Use(s.basicAuthMiddleware())
	}
	api.GET("/api/events", s.handleEvents)
	api.GET("/api/events.ics", s.handleEventsICS)
	api.POST("/api/refresh", s.handleRefresh)
	api.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password leaves auth disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

func (s *Server) basicAuthMiddleware() gin.HandlerFunc {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			c.Header("WWW-Authenticate", `Basic realm="eventmax", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Center     geo.Point        `json:"center"`
	Events     []eventDTO       `json:"events"`
	Days       []model.DayGroup `json:"days,omitempty"`
	Providers  []providerDTO    `json:"providers"`
	RangeStart string           `json:"range_start"`
	RangeEnd   string           `json:"range_end"`
	Month      string           `json:"month,omitempty"`
	Timezone   string           `json:"timezone"`
}

type eventDTO struct {
	model.Event
	Day        string `json:"day"`
	PriceLabel string `json:"price_label,omitempty"`
}

// providerDTO reports one provider's outcome so clients can tell an empty
// area from a failed upstream.
type providerDTO struct {
	Source        model.Source `json:"source"`
	Pages         int          `json:"pages"`
	ReportedPages int          `json:"reported_pages"`
	FailedPages   int          `json:"failed_pages"`
	Partial       bool         `json:"partial"`
	Error         string       `json:"error,omitempty"`
	ErrorKind     string       `json:"error_kind,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// eventsQuery is the parsed query string shared by the JSON and iCalendar
// endpoints.
type eventsQuery struct {
	req     aggregate.Request
	sort    string
	groupBy string
	// month, when set, narrows the aggregated range to one calendar month.
	month time.Time
}

// view applies the month selection and sort order to an aggregated result.
func (q eventsQuery) view(events []model.Event) []model.Event {
	if !q.month.IsZero() {
		events = model.FilterMonth(events, q.month.Year(), q.month.Month())
	}
	return sorted(events, q.sort)
}

// handleEvents returns the aggregated events around a postal code.
//
// GET /api/events?zip=01907&radius=10&start=2025-06-01&end=2025-06-30&sort=date
//   - zip:    postal code (default: search.postal_code)
//   - radius: miles, clamped to 1..25 (default: search.radius_miles)
//   - start/end: inclusive YYYY-MM-DD dates (default: current month, or
//     the selected month)
//   - month:  YYYY-MM, only events in that month inside start..end
//   - sort:   "date" (default) or "price"
//   - group:  "day" adds the events bucketed per day
func (s *Server) handleEvents(c *gin.Context) {
	q, ok := s.parseEventsQuery(c)
	if !ok {
		return
	}

	res := s.svc.Aggregate(c.Request.Context(), q.req)
	if res.Err != nil {
		s.writeAggregateError(c, res.Err)
		return
	}

	events := q.view(res.Events)
	resp := eventsResponse{
		Center:     res.Center,
		Events:     make([]eventDTO, 0, len(events)),
		Providers:  providerDTOs(res.Providers),
		RangeStart: q.req.Start.Format(time.DateOnly),
		RangeEnd:   q.req.End.Format(time.DateOnly),
		Timezone:   s.loc.String(),
	}
	if !q.month.IsZero() {
		resp.Month = q.month.Format(monthLayout)
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventDTO{Event: e, Day: e.Day(), PriceLabel: model.PriceLabel(e)})
	}
	if q.groupBy == "day" {
		resp.Days = model.GroupByDay(events)
	}

	c.JSON(http.StatusOK, resp)
}

// handleEventsICS exports the same query as an iCalendar feed.
func (s *Server) handleEventsICS(c *gin.Context) {
	q, ok := s.parseEventsQuery(c)
	if !ok {
		return
	}

	res := s.svc.Aggregate(c.Request.Context(), q.req)
	if res.Err != nil {
		s.writeAggregateError(c, res.Err)
		return
	}

	c.Header("Content-Type", "text/calendar; charset=utf-8")
	c.Header("Content-Disposition", `inline; filename="events.ics"`)
	c.Status(http.StatusOK)
	err := ics.Encode(c.Writer, q.view(res.Events), ics.EncodeOptions{
		Name:     "Events near " + q.req.PostalCode,
		Location: s.loc,
		Stamp:    s.now(),
	})
	if err != nil {
		appLog.Error("failed to write calendar response", err)
	}
}

// handleRefresh drops every cached result so the next request refetches.
func (s *Server) handleRefresh(c *gin.Context) {
	if err := s.svc.Purge(c.Request.Context()); err != nil {
		appLog.Error("api refresh: purge failed", err)
		writeError(c, http.StatusInternalServerError, "failed to purge cache")
		return
	}
	appLog.Info("api refresh: cache purged")
	c.Status(http.StatusNoContent)
}

func (s *Server) parseEventsQuery(c *gin.Context) (eventsQuery, bool) {
	zip := strings.TrimSpace(c.DefaultQuery("zip", s.cfg.Search.PostalCode))
	if zip == "" {
		writeError(c, http.StatusBadRequest, "zip is required")
		return eventsQuery{}, false
	}

	radius := s.cfg.Search.RadiusMiles
	if v := strings.TrimSpace(c.Query("radius")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(r) {
			writeError(c, http.StatusBadRequest, "radius must be a number of miles")
			return eventsQuery{}, false
		}
		radius = r
	}
	radius = config.ClampRadius(radius)

	window := schedule.CurrentMonth(s.now(), s.loc)
	var month time.Time
	if v := strings.TrimSpace(c.Query("month")); v != "" {
		m, err := time.ParseInLocation(monthLayout, v, s.loc)
		if err != nil {
			writeError(c, http.StatusBadRequest, "month must be YYYY-MM")
			return eventsQuery{}, false
		}
		month = m
		window = schedule.CurrentMonth(m, s.loc)
	}
	start, err := parseDate(c.Query("start"), window.Start, s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return eventsQuery{}, false
	}
	end, err := parseDate(c.Query("end"), window.End, s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return eventsQuery{}, false
	}
	if end.Before(start) {
		writeError(c, http.StatusBadRequest, "end is before start")
		return eventsQuery{}, false
	}
	if !month.IsZero() && (month.AddDate(0, 1, -1).Before(start) || end.Before(month)) {
		writeError(c, http.StatusBadRequest, "month is outside start..end")
		return eventsQuery{}, false
	}

	sortBy := strings.ToLower(c.DefaultQuery("sort", "date"))
	if sortBy != "date" && sortBy != "price" {
		writeError(c, http.StatusBadRequest, "sort must be date or price")
		return eventsQuery{}, false
	}

	return eventsQuery{
		req: aggregate.Request{
			PostalCode:  zip,
			RadiusMiles: radius,
			Start:       start,
			End:         end,
			Credentials: aggregate.Credentials{
				CatalogKey:     strings.TrimSpace(c.GetHeader(catalogKeyHeader)),
				MarketplaceKey: strings.TrimSpace(c.GetHeader(marketplaceKeyHeader)),
			},
		},
		sort:    sortBy,
		groupBy: strings.ToLower(c.Query("group")),
		month:   month,
	}, true
}

func (s *Server) writeAggregateError(c *gin.Context, err error) {
	if errors.Is(err, aggregate.ErrGeocode) {
		writeError(c, http.StatusBadGateway, err.Error())
		return
	}
	appLog.Error("api events: aggregate failed", err)
	writeError(c, http.StatusInternalServerError, "aggregation failed")
}

func parseDate(v string, def time.Time, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	return time.ParseInLocation(time.DateOnly, v, loc)
}

// sorted returns a sorted copy; cached results may be shared between
// concurrent requests.
func sorted(events []model.Event, by string) []model.Event {
	out := slices.Clone(events)
	if out == nil {
		out = []model.Event{}
	}
	if by == "price" {
		model.SortByPrice(out)
	}
	return out
}

func providerDTOs(results []provider.Result) []providerDTO {
	out := make([]providerDTO, 0, len(results))
	for _, r := range results {
		p := providerDTO{
			Source:        r.Source,
			Pages:         r.Pages,
			ReportedPages: r.ReportedPages,
			FailedPages:   r.FailedPages,
			Partial:       r.Partial(),
		}
		if r.Err != nil {
			p.Error = r.Err.Error()
			p.ErrorKind = errorKind(r.Err)
		}
		out = append(out, p)
	}
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, provider.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, provider.ErrNoCredential):
		return "no_credential"
	case errors.Is(err, provider.ErrUpstream):
		return "upstream"
	default:
		return "unknown"
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}
