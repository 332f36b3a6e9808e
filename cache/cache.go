package cache

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/pkg/errors"
)

// DefaultTTL is the time after which a checked IP is checked again.
const DefaultTTL = 48 * time.Hour

// A Cache remembers when each IP was last checked against the reputation API.
// It is not safe for concurrent use.
type Cache struct {
	path    string
	ttl     time.Duration
	entries map[string]int64
}

// Load reads the cache stored at path. A missing file gives an empty cache.
func Load(path string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]int64),
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "could not read cache %s", path)
	}

	if len(payload) == 0 {
		return c, nil
	}

	// Timestamps may carry a fractional part.
	var raw map[string]json.Number
	if err = json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrapf(err, "could not parse cache %s", path)
	}

	for ip, n := range raw {
		ts, err := n.Float64()
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse cache %s: entry %s", path, ip)
		}
		c.entries[ip] = int64(ts)
	}

	return c, nil
}

// Fresh reports whether ip was checked less than TTL ago.
func (c *Cache) Fresh(ip string, now time.Time) bool {
	ts, ok := c.entries[ip]
	if !ok {
		return false
	}
	return !c.expired(ts, now)
}

// Touch records that ip has been checked at now.
func (c *Cache) Touch(ip string, now time.Time) {
	c.entries[ip] = now.Unix()
}

// Purge removes the entries older than TTL and returns how many were removed.
func (c *Cache) Purge(now time.Time) int {
	var n int
	for ip, ts := range c.entries {
		if c.expired(ts, now) {
			delete(c.entries, ip)
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Entries returns a copy of the IP to last-checked timestamp mapping.
func (c *Cache) Entries() map[string]int64 {
	entries := make(map[string]int64, len(c.entries))
	for ip, ts := range c.entries {
		entries[ip] = ts
	}
	return entries
}

// Save atomically writes the cache to its path.
func (c *Cache) Save(ctx context.Context, p *publish.Publisher) error {
	payload, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode cache")
	}

	return p.Publish(ctx, publish.File{
		Path:    c.path,
		Content: append(payload, '\n'),
	})
}

func (c *Cache) expired(ts int64, now time.Time) bool {
	return now.Sub(time.Unix(ts, 0)) > c.ttl
}
