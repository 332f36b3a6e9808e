package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/mdouchement/abuseip-blocker/abuse"
	"github.com/mdouchement/abuseip-blocker/cache"
	"github.com/mdouchement/abuseip-blocker/denylist"
	"github.com/mdouchement/abuseip-blocker/ipset"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/abuseip-blocker/recent"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

type (
	// CheckOptions defines how candidates are scored.
	CheckOptions struct {
		Days      int // Lookback window of the reputation API.
		Threshold int // Minimal score to deny an address.
	}

	// A Check scores recent client addresses and denies the abusive ones.
	Check struct {
		Options    CheckOptions
		Source     recent.Source
		Scorer     abuse.Scorer
		Cache      *cache.Cache
		DenyList   *denylist.List
		Publisher  *publish.Publisher
		Classifier Classifier // Optional, exempted addresses are never scored.
		Metrics    *Metrics
		Now        func() time.Time
	}

	// A CheckReport summarizes a check run.
	CheckReport struct {
		Candidates int
		CacheHits  int
		Checked    int
		Denied     int
		Purged     int
	}
)

// Run checks the recent candidates that are not in the cache, appends the abusive
// ones to the deny list then purges and saves the cache.
// The cache is saved even when a check fails so checked addresses are not queried again.
func (c *Check) Run(ctx context.Context) (report CheckReport, err error) {
	log := logger.LogWith(ctx)
	now := clock(c.Now)

	candidates, err := c.Source.Recent(ctx)
	if err != nil {
		return report, errors.Wrap(err, "recent IPs")
	}
	report.Candidates = len(candidates)
	c.count(func(m *Metrics) { m.Candidates.Add(float64(len(candidates))) })

	log.Infof("Checking %d recent IP addresses", len(candidates))

	for _, token := range candidates {
		ip, ok := ipset.ParsePublic(token)
		if !ok {
			log.Debugf("Skipping invalid or non-public address %q", token)
			continue
		}
		addr := ip.String()

		if c.Cache.Fresh(addr, now()) {
			report.CacheHits++
			c.count(func(m *Metrics) { m.CacheHits.Inc() })
			continue
		}

		exempt, country := classify(ctx, c.Classifier, ip)
		if exempt {
			log.Debugf("Skipping allowlisted address %s", addr)
			continue
		}

		score, cerr := c.Scorer.Check(ctx, addr, c.Options.Days)
		if cerr != nil {
			c.count(func(m *Metrics) { m.APIErrors.Inc() })
			err = errors.Wrapf(cerr, "abuse check of %s", addr)
			break
		}
		report.Checked++
		c.count(func(m *Metrics) { m.Checked.Inc() })

		if score >= c.Options.Threshold {
			written, aerr := c.DenyList.Append(addr, strings.ToUpper(country))
			if aerr != nil {
				err = aerr
				break
			}

			if written {
				report.Denied++
				c.count(func(m *Metrics) { m.Denied.WithLabelValues(label(country)).Inc() })
				log.Infof("Denied %s with an abuse score of %d", addr, score)
			}
		} else {
			log.Debugf("%s has an abuse score of %d", addr, score)
		}

		c.Cache.Touch(addr, now())
	}

	report.Purged = c.Cache.Purge(now())
	c.count(func(m *Metrics) { m.CacheEntries.Set(float64(c.Cache.Len())) })

	if serr := c.Cache.Save(ctx, c.Publisher); serr != nil {
		if err != nil {
			log.WithError(serr).Errorf("Could not save cache")
			return report, err
		}
		return report, errors.Wrap(serr, "could not save cache")
	}

	if err != nil {
		return report, err
	}

	log.Infof("Checked %d IP addresses (%d from cache), denied %d, purged %d cache entries",
		report.Checked, report.CacheHits, report.Denied, report.Purged)
	return report, nil
}

func (c *Check) count(f func(m *Metrics)) {
	if c.Metrics != nil {
		f(c.Metrics)
	}
}

func label(country string) string {
	if country == "" {
		return "unknown"
	}
	return strings.ToLower(country)
}
