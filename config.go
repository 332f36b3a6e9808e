package main

import (
	"os"
	"time"

	"github.com/mdouchement/abuseip-blocker/abuse"
	"github.com/mdouchement/abuseip-blocker/cache"
	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/abuseip-blocker/ipset"
	"github.com/mdouchement/abuseip-blocker/recent"
	"github.com/mdouchement/abuseip-blocker/render"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Rule data types.
const (
	RuleTypeCountry RuleType = "country"
	RuleTypeCIDR    RuleType = "cidr"
)

// DefaultThreshold is the abuse score from which an address is denied.
const DefaultThreshold = 80

var errInvalidConfiguration = errors.New("invalid configuration")

type (
	// A Configuration defines the blocker configuration.
	Configuration struct {
		Logger    string             `yaml:"logger"`
		LogFile   string             `yaml:"log_file"`  // Rotated log file, stderr when empty.
		Metrics   string             `yaml:"metrics"`   // Prometheus textfile, suffixed with _feed or _check.
		Databases []string           `yaml:"databases"` // Path to ip2location database files.
		Allowlist []Rule             `yaml:"allowlist"` // Addresses that are never blocked.
		Feed      FeedConfiguration  `yaml:"feed"`
		Check     CheckConfiguration `yaml:"check"`
	}

	// A FeedConfiguration defines the bulk blocklist publication.
	FeedConfiguration struct {
		URL       string        `yaml:"url"`
		MaxSize   int64         `yaml:"max_size"`
		MaxIPs    int           `yaml:"max_ips"`
		Timeout   time.Duration `yaml:"timeout"`
		GeoFile   string        `yaml:"geo_file"`
		BlockFile string        `yaml:"block_file"`
		Variable  string        `yaml:"variable"`
	}

	// A CheckConfiguration defines the incremental abuse check.
	CheckConfiguration struct {
		APIKey         string        `yaml:"api_key"`
		Endpoint       string        `yaml:"endpoint"`
		Days           int           `yaml:"days"`
		Threshold      *int          `yaml:"threshold"`
		Timeout        time.Duration `yaml:"timeout"`
		Command        []string      `yaml:"command"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
		Tail           int           `yaml:"tail"`
		CacheFile      string        `yaml:"cache_file"`
		CacheTTL       time.Duration `yaml:"cache_ttl"`
		DenyFile       string        `yaml:"deny_file"`
	}

	// A RuleType defines the type of a rule.
	RuleType string

	// A Rule matches addresses by network or by country.
	Rule struct {
		Type  RuleType
		Value string
	}
)

// LoadConfiguration reads and parses the configuration file.
// YAML is a superset of JSON so both formats are accepted.
func LoadConfiguration(filename string) (Configuration, error) {
	var c Configuration

	payload, err := os.ReadFile(filename)
	if err != nil {
		return c, errors.Wrapf(err, "could not read configuration file %s", filename)
	}

	if err = yaml.Unmarshal(payload, &c); err != nil {
		return c, errors.Wrapf(errInvalidConfiguration, "could not parse configuration file %s: %s", filename, err)
	}

	c.defaults()
	return c, nil
}

func (c *Configuration) defaults() {
	if c.Feed.URL == "" {
		c.Feed.URL = feed.DefaultURL
	}
	if c.Feed.MaxSize <= 0 {
		c.Feed.MaxSize = feed.DefaultMaxSize
	}
	if c.Feed.MaxIPs <= 0 {
		c.Feed.MaxIPs = ipset.DefaultMaxIPs
	}
	if c.Feed.Timeout <= 0 {
		c.Feed.Timeout = feed.DefaultTimeout
	}
	if c.Feed.GeoFile == "" {
		c.Feed.GeoFile = "/data/web/nginx/http.abuseip"
	}
	if c.Feed.BlockFile == "" {
		c.Feed.BlockFile = "/data/web/nginx/server.abuseip-block"
	}
	if c.Feed.Variable == "" {
		c.Feed.Variable = render.DefaultVariable
	}

	if c.Check.Endpoint == "" {
		c.Check.Endpoint = abuse.DefaultEndpoint
	}
	if c.Check.Threshold == nil {
		threshold := DefaultThreshold
		c.Check.Threshold = &threshold
	}
	if c.Check.Timeout <= 0 {
		c.Check.Timeout = abuse.DefaultTimeout
	}
	if len(c.Check.Command) == 0 {
		c.Check.Command = recent.DefaultCommand
	}
	if c.Check.CommandTimeout <= 0 {
		c.Check.CommandTimeout = recent.DefaultTimeout
	}
	if c.Check.Tail <= 0 {
		c.Check.Tail = recent.DefaultTail
	}
	if c.Check.CacheFile == "" {
		c.Check.CacheFile = "checked_ips.json"
	}
	if c.Check.CacheTTL <= 0 {
		c.Check.CacheTTL = cache.DefaultTTL
	}
	if c.Check.DenyFile == "" {
		c.Check.DenyFile = "/data/web/nginx/server.block_80procent_abuseIP"
	}
}

// Validate returns an error when the check settings cannot be used.
func (c CheckConfiguration) Validate() error {
	if c.APIKey == "" {
		return errors.Wrap(errInvalidConfiguration, "check.api_key is required")
	}

	if c.Days <= 0 {
		return errors.Wrapf(errInvalidConfiguration, "check.days must be positive, got %d", c.Days)
	}

	if c.Threshold == nil || *c.Threshold < 0 || *c.Threshold > 100 {
		return errors.Wrap(errInvalidConfiguration, "check.threshold must be between 0 and 100")
	}

	return nil
}
