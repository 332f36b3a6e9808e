package pipeline

import (
	"context"
	"net/netip"
	"time"

	"github.com/mdouchement/abuseip-blocker/ipset"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/abuseip-blocker/render"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

type (
	// A Fetcher downloads the blocklist feed.
	Fetcher interface {
		Fetch(ctx context.Context, url string) (string, error)
	}

	// FeedOptions defines what the feed run downloads and where it publishes it.
	FeedOptions struct {
		URL       string
		GeoFile   string
		BlockFile string
		Variable  string
		MaxIPs    int
	}

	// A Feed publishes the nginx geo map built from a remote blocklist.
	Feed struct {
		Options    FeedOptions
		Fetcher    Fetcher
		Publisher  *publish.Publisher
		Classifier Classifier // Optional, exempted addresses are left out of the map.
		Metrics    *Metrics
		Now        func() time.Time
	}

	// A FeedReport summarizes a feed run.
	FeedReport struct {
		IPs int
	}
)

// Run downloads, validates, renders and publishes the blocklist.
// Nothing is published when the blocklist holds no valid address.
func (f *Feed) Run(ctx context.Context) (FeedReport, error) {
	log := logger.LogWith(ctx)
	now := clock(f.Now)

	text, err := f.Fetcher.Fetch(ctx, f.Options.URL)
	if err != nil {
		return FeedReport{}, errors.Wrap(err, "download")
	}

	opts := ipset.Options{MaxIPs: f.Options.MaxIPs}
	if f.Classifier != nil {
		opts.Exclude = func(ip netip.Addr) bool {
			exempt, _ := classify(ctx, f.Classifier, ip)
			return exempt
		}
	}

	ips := ipset.Parse(ctx, text, opts).Strings()

	geo, err := render.Geo(ips, f.Options.Variable, now())
	if err != nil {
		return FeedReport{}, errors.Wrap(err, "no valid IP addresses found in blocklist")
	}

	err = f.Publisher.Publish(ctx,
		publish.File{Path: f.Options.GeoFile, Content: []byte(geo)},
		publish.File{Path: f.Options.BlockFile, Content: []byte(render.Block(f.Options.Variable, f.Options.GeoFile))},
	)
	if err != nil {
		return FeedReport{}, errors.Wrap(err, "publish")
	}

	if f.Metrics != nil {
		f.Metrics.FeedIPs.Set(float64(len(ips)))
		f.Metrics.FeedPublished.Set(float64(now().Unix()))
	}

	log.Infof("Successfully updated blocklist with %d IP addresses", len(ips))
	return FeedReport{IPs: len(ips)}, nil
}
