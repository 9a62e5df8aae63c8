package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	appLog "eventmax/internal/log"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Local"
	defaultRefreshCron = "0 */2 * * *"
	defaultLogLevel    = "info"

	defaultCacheTTL = 2 * time.Hour

	defaultRadiusMiles = 10
	MinRadiusMiles     = 1
	MaxRadiusMiles     = 25
	defaultCountry     = "USA"

	defaultGeocoderURL     = "https://nominatim.openstreetmap.org"
	defaultGeocoderAgent   = "eventmax/1.0 (+https://github.com/eventmax)"
	defaultGeocoderTimeout = 10 * time.Second

	defaultCatalogURL     = "https://app.ticketmaster.com"
	defaultMarketplaceURL = "https://www.eventbriteapi.com"
	defaultProviderTimeout = 12 * time.Second

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RedisConfig points the result cache at a Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// CacheConfig selects the aggregate result cache.
type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string        `yaml:"backend" json:"backend"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
}

// SearchConfig holds the defaults used when a request omits parameters.
type SearchConfig struct {
	PostalCode  string  `yaml:"postal_code" json:"postal_code"`
	RadiusMiles float64 `yaml:"radius_miles" json:"radius_miles"`
	// Country narrows postal code lookups (e.g. "USA").
	Country string `yaml:"country" json:"country"`
}

type GeocoderConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// ProviderConfig configures one ticketing API. APIKey may be a literal or a
// "${ENV_VAR}" reference resolved at startup.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// FeedConfig describes a single iCalendar subscription.
type FeedConfig struct {
	URL string `yaml:"url" json:"url"`
	// ID is used in logs and metrics; defaults to Name, then URL.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// WarmSearch is one search refreshed by the scheduler.
type WarmSearch struct {
	PostalCode  string  `yaml:"postal_code" json:"postal_code"`
	RadiusMiles float64 `yaml:"radius_miles" json:"radius_miles"`
}

type WarmConfig struct {
	Searches []WarmSearch `yaml:"searches" json:"searches"`
	// Months is how many month windows each search covers, starting with
	// the current month.
	Months int `yaml:"months" json:"months"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone every event date is expressed in. "Local"
	// uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is the cron schedule for cache warm-up.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Cache       CacheConfig    `yaml:"cache" json:"cache"`
	Search      SearchConfig   `yaml:"search" json:"search"`
	Geocoder    GeocoderConfig `yaml:"geocoder" json:"geocoder"`
	Catalog     ProviderConfig `yaml:"catalog" json:"catalog"`
	Marketplace ProviderConfig `yaml:"marketplace" json:"marketplace"`

	// Feeds are optional iCalendar subscriptions merged in after the
	// ticketing APIs.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`
	// FeedCacheDir keeps the last good body of each feed. Empty disables it.
	FeedCacheDir string `yaml:"feed_cache_dir" json:"feed_cache_dir"`

	Warm WarmConfig `yaml:"warm" json:"warm"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

// DefaultConfig returns an in-memory default configuration. Provider keys
// reference environment variables; nothing secret is embedded.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		Timezone:    defaultTimezone,
		RefreshCron: defaultRefreshCron,
		LogLevel:    defaultLogLevel,
		Cache: CacheConfig{
			Backend: CacheBackendMemory,
			TTL:     defaultCacheTTL,
		},
		Search: SearchConfig{
			RadiusMiles: defaultRadiusMiles,
			Country:     defaultCountry,
		},
		Geocoder: GeocoderConfig{
			BaseURL:   defaultGeocoderURL,
			UserAgent: defaultGeocoderAgent,
			Timeout:   defaultGeocoderTimeout,
		},
		Catalog: ProviderConfig{
			BaseURL: defaultCatalogURL,
			APIKey:  "${TICKETMASTER_API_KEY}",
			Timeout: defaultProviderTimeout,
		},
		Marketplace: ProviderConfig{
			BaseURL: defaultMarketplaceURL,
			APIKey:  "${EVENTBRITE_API_KEY}",
			Timeout: defaultProviderTimeout,
		},
		Feeds: []FeedConfig{},
		Warm: WarmConfig{
			Searches: []WarmSearch{},
			Months:   1,
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	switch strings.ToLower(c.Cache.Backend) {
	case CacheBackendMemory, CacheBackendRedis:
		c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	default:
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = defaultCacheTTL
	}

	if c.Search.RadiusMiles == 0 {
		c.Search.RadiusMiles = defaultRadiusMiles
	}
	c.Search.RadiusMiles = ClampRadius(c.Search.RadiusMiles)
	if c.Search.Country == "" {
		c.Search.Country = defaultCountry
	}

	if c.Geocoder.BaseURL == "" {
		c.Geocoder.BaseURL = defaultGeocoderURL
	}
	if c.Geocoder.UserAgent == "" {
		c.Geocoder.UserAgent = defaultGeocoderAgent
	}
	if c.Geocoder.Timeout <= 0 {
		c.Geocoder.Timeout = defaultGeocoderTimeout
	}

	normalizeProvider(&c.Catalog, defaultCatalogURL)
	normalizeProvider(&c.Marketplace, defaultMarketplaceURL)

	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.ID == "" {
			if f.Name != "" {
				f.ID = f.Name
			} else {
				f.ID = f.URL
			}
		}
	}

	if c.Warm.Searches == nil {
		c.Warm.Searches = []WarmSearch{}
	}
	for i := range c.Warm.Searches {
		s := &c.Warm.Searches[i]
		if s.RadiusMiles == 0 {
			s.RadiusMiles = c.Search.RadiusMiles
		}
		s.RadiusMiles = ClampRadius(s.RadiusMiles)
	}
	if c.Warm.Months <= 0 {
		c.Warm.Months = 1
	}
}

func normalizeProvider(p *ProviderConfig, baseURL string) {
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultProviderTimeout
	}
}

// ClampRadius bounds a search radius to [MinRadiusMiles, MaxRadiusMiles].
func ClampRadius(miles float64) float64 {
	if miles < MinRadiusMiles {
		return MinRadiusMiles
	}
	if miles > MaxRadiusMiles {
		return MaxRadiusMiles
	}
	return miles
}

// Location resolves Timezone, falling back to time.Local when it is empty
// or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", c.Timezone)
		return time.Local
	}
	return loc
}

// Resolved returns a copy with "${VAR}" secret references replaced by the
// environment. An unset variable resolves to "", which leaves the matching
// provider without a credential. The receiver keeps the references, so
// Save never writes resolved secrets to disk.
func (c *Config) Resolved() *Config {
	out := *c
	out.Catalog.APIKey = expandSecret(c.Catalog.APIKey)
	out.Marketplace.APIKey = expandSecret(c.Marketplace.APIKey)
	out.Cache.Redis.Password = expandSecret(c.Cache.Redis.Password)
	if c.BasicAuth != nil {
		ba := *c.BasicAuth
		ba.Password = expandSecret(ba.Password)
		out.BasicAuth = &ba
	}
	return &out
}

// expandSecret resolves a value of exactly the form ${NAME}. Anything else is
// returned verbatim so literal secrets containing '$' survive.
func expandSecret(v string) string {
	s := strings.TrimSpace(v)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return os.Getenv(s[2 : len(s)-1])
	}
	return v
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".eventmax-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
