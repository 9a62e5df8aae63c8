package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "${TICKETMASTER_API_KEY}")
	assert.Contains(t, string(raw), "${EVENTBRITE_API_KEY}")
}

func TestLoad_NormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
timezone: America/New_York
cache:
  backend: REDIS
  ttl: 30m
search:
  postal_code: "01907"
  radius_miles: 40
feeds:
  - url: https://venue.test/cal.ics
    name: venue
warm:
  searches:
    - postal_code: "01907"
    - postal_code: "02139"
      radius_miles: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, float64(MaxRadiusMiles), cfg.Search.RadiusMiles)
	assert.Equal(t, defaultCountry, cfg.Search.Country)
	assert.Equal(t, defaultCatalogURL, cfg.Catalog.BaseURL)
	assert.Equal(t, defaultProviderTimeout, cfg.Marketplace.Timeout)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "venue", cfg.Feeds[0].ID)
	require.Len(t, cfg.Warm.Searches, 2)
	assert.Equal(t, float64(MaxRadiusMiles), cfg.Warm.Searches[0].RadiusMiles)
	assert.Equal(t, float64(MinRadiusMiles), cfg.Warm.Searches[1].RadiusMiles)
	assert.Equal(t, 1, cfg.Warm.Months)
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Search.PostalCode = "94110"
	cfg.Cache.TTL = 45 * time.Minute
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "${EVENTMAX_PASSWORD}"}

	require.NoError(t, cfg.Save(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Config
	require.NoError(t, yaml.Unmarshal(raw, &decoded))
	assert.Equal(t, "94110", decoded.Search.PostalCode)
	assert.Equal(t, 45*time.Minute, decoded.Cache.TTL)
	require.NotNil(t, decoded.BasicAuth)
	assert.Equal(t, "${EVENTMAX_PASSWORD}", decoded.BasicAuth.Password)
}

func TestResolved_ExpandsSecretReferences(t *testing.T) {
	t.Setenv("TICKETMASTER_API_KEY", "tm-secret")
	t.Setenv("EVENTBRITE_API_KEY", "")
	t.Setenv("EVENTMAX_PASSWORD", "hunter2")

	cfg := DefaultConfig()
	cfg.Cache.Redis.Password = "pa$$word"
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "${EVENTMAX_PASSWORD}"}

	r := cfg.Resolved()

	assert.Equal(t, "tm-secret", r.Catalog.APIKey)
	assert.Equal(t, "", r.Marketplace.APIKey)
	assert.Equal(t, "pa$$word", r.Cache.Redis.Password)
	assert.Equal(t, "hunter2", r.BasicAuth.Password)

	// the receiver keeps its references
	assert.Equal(t, "${TICKETMASTER_API_KEY}", cfg.Catalog.APIKey)
	assert.Equal(t, "${EVENTMAX_PASSWORD}", cfg.BasicAuth.Password)
}

func TestClampRadius(t *testing.T) {
	assert.Equal(t, 1.0, ClampRadius(0.5))
	assert.Equal(t, 10.0, ClampRadius(10))
	assert.Equal(t, 25.0, ClampRadius(100))
}

func TestLocation_Fallback(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.Local, cfg.Location())

	cfg.Timezone = ""
	assert.Equal(t, time.Local, cfg.Location())
}
