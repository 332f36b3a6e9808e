package cache_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdouchement/abuseip-blocker/cache"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logr := logrus.New()
	logr.SetOutput(io.Discard)
	return logger.WithLogger(context.Background(), logger.WrapLogrus(logr))
}

func TestLoad_MissingFile(t *testing.T) {
	c, err := cache.Load(filepath.Join(t.TempDir(), "checked_ips.json"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checked_ips.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := cache.Load(path, time.Hour)
	assert.Error(t, err)
}

func TestLoad_FractionalTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checked_ips.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1.2.3.4": 1714560000.75}`), 0o644))

	c, err := cache.Load(path, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"1.2.3.4": 1714560000}, c.Entries())
}

func TestCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checked_ips.json")
	ts := time.Unix(1714560000, 0)

	c, err := cache.Load(path, time.Hour)
	require.NoError(t, err)
	c.Touch("1.2.3.4", ts)
	require.NoError(t, c.Save(testContext(), publish.New()))

	loaded, err := cache.Load(path, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"1.2.3.4": ts.Unix()}, loaded.Entries())
}

func TestCache_Purge(t *testing.T) {
	now := time.Unix(1714560000, 0)
	path := filepath.Join(t.TempDir(), "checked_ips.json")

	c, err := cache.Load(path, 48*time.Hour)
	require.NoError(t, err)
	c.Touch("1.2.3.4", now.Add(-49*time.Hour))
	c.Touch("5.6.7.8", now.Add(-47*time.Hour))
	c.Touch("9.9.9.9", now)

	assert.False(t, c.Fresh("1.2.3.4", now))
	assert.True(t, c.Fresh("5.6.7.8", now))
	assert.False(t, c.Fresh("8.8.8.8", now))

	assert.Equal(t, 1, c.Purge(now))
	entries := c.Entries()
	assert.NotContains(t, entries, "1.2.3.4")
	assert.Contains(t, entries, "5.6.7.8")
	assert.Contains(t, entries, "9.9.9.9")

	require.NoError(t, c.Save(testContext(), publish.New()))
	loaded, err := cache.Load(path, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, entries, loaded.Entries())
}

func TestCache_TouchRefreshes(t *testing.T) {
	now := time.Unix(1714560000, 0)

	c, err := cache.Load(filepath.Join(t.TempDir(), "checked_ips.json"), time.Hour)
	require.NoError(t, err)

	c.Touch("1.2.3.4", now.Add(-2*time.Hour))
	assert.False(t, c.Fresh("1.2.3.4", now))

	c.Touch("1.2.3.4", now)
	assert.True(t, c.Fresh("1.2.3.4", now))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EntriesIsACopy(t *testing.T) {
	c, err := cache.Load(filepath.Join(t.TempDir(), "checked_ips.json"), time.Hour)
	require.NoError(t, err)
	c.Touch("1.2.3.4", time.Now())

	entries := c.Entries()
	delete(entries, "1.2.3.4")
	assert.Equal(t, 1, c.Len())
}
