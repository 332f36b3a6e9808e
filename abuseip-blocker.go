package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mdouchement/abuseip-blocker/abuse"
	"github.com/mdouchement/abuseip-blocker/cache"
	"github.com/mdouchement/abuseip-blocker/denylist"
	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/abuseip-blocker/pipeline"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/abuseip-blocker/recent"
	"github.com/mdouchement/geoblock/lookup"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

type controller struct {
	cfg       string
	config    Configuration
	ctx       context.Context
	logr      *logrus.Logger
	logfile   *lumberjack.Logger
	evaluator *Evaluator
	publisher *publish.Publisher

	registry *prometheus.Registry
	metrics  *pipeline.Metrics
}

func main() {
	c := controller{
		publisher: publish.New(),
		registry:  prometheus.NewRegistry(),
		metrics:   pipeline.NewMetrics(),
	}

	c.logr = logrus.New()
	c.logr.SetFormatter(formatter(true))
	log := logger.WrapLogrus(c.logr)
	c.ctx = logger.WithLogger(context.Background(), log)

	cmd := &cobra.Command{
		Use:           "abuseip-blocker",
		Short:         "Blocks abusive IPs in nginx from AbuseIPDB data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.setup()
		},
	}
	cmd.PersistentFlags().StringVarP(&c.cfg, "config", "c", os.Getenv("ABUSEIP_BLOCKER_CONFIG"), "Blocker's configuration")

	cmd.AddCommand(&cobra.Command{
		Use:   "feed",
		Short: "Publishes the nginx geo map of the AbuseIPDB blocklist",
		Args:  cobra.ExactArgs(0),
		RunE:  c.run("feed", c.feed),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Checks recent client IPs against AbuseIPDB and denies the abusive ones",
		Args:  cobra.ExactArgs(0),
		RunE:  c.run("check", c.check),
	})

	err := cmd.Execute()
	if err != nil {
		log.WithError(err).Errorf("Run failed (%s error)", classify(err))
	}

	c.close()
	if err != nil {
		os.Exit(1)
	}
}

func formatter(colors bool) logrus.Formatter {
	return &logger.LogrusTextFormatter{
		DisableColors:   !colors,
		ForceColors:     colors,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

func (c *controller) setup() error {
	log := logger.LogWith(c.ctx)

	if c.cfg == "" {
		c.cfg = "abuseip-blocker.yml"
	}

	log.Debugf("Reading configuration from %s", c.cfg)
	config, err := LoadConfiguration(c.cfg)
	if err != nil {
		return err
	}
	c.config = config

	if c.config.Logger != "" {
		l, err := logrus.ParseLevel(c.config.Logger)
		if err != nil {
			return errors.Wrapf(errInvalidConfiguration, "could not parse logger level %s", c.config.Logger)
		}
		c.logr.SetLevel(l)
	}

	if c.config.LogFile != "" {
		c.logfile = &lumberjack.Logger{
			Filename:   c.config.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		c.logr.SetOutput(c.logfile)
		c.logr.SetFormatter(formatter(false))
	}

	c.evaluator, err = NewEvaluator("allowlist", c.config.Allowlist)
	if err != nil {
		return errors.Wrapf(errInvalidConfiguration, "could not create allowlist evaluator: %s", err)
	}

	for _, databasename := range c.config.Databases {
		lookup, err := lookup.OpenIP2location(databasename)
		if err != nil {
			return errors.Wrapf(err, "ip2location: %s", databasename)
		}

		c.evaluator.AddLookup(lookup)
	}

	if len(c.evaluator.allowedCountry) > 0 && len(c.config.Databases) == 0 {
		log.Warnf("Country allowlist rules are ignored without ip2location databases")
	}

	return nil
}

// run wraps a pipeline so a panic fails the run like any other error.
// Each pipeline only exports its own instruments, in its own textfile.
func (c *controller) run(name string, f func() error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		if c.config.Metrics != "" {
			if err = c.registerMetrics(name); err != nil {
				return err
			}
			defer c.writeMetrics(name)
		}

		return f()
	}
}

func (c *controller) feed() error {
	ctx := logger.WithLogger(c.ctx, logger.LogWith(c.ctx).WithPrefixf("[feed]"))

	fp := &pipeline.Feed{
		Options: pipeline.FeedOptions{
			URL:       c.config.Feed.URL,
			GeoFile:   c.config.Feed.GeoFile,
			BlockFile: c.config.Feed.BlockFile,
			Variable:  c.config.Feed.Variable,
			MaxIPs:    c.config.Feed.MaxIPs,
		},
		Fetcher:   feed.NewFetcher(c.config.Feed.Timeout, c.config.Feed.MaxSize),
		Publisher: c.publisher,
		Metrics:   c.metrics,
	}
	if c.evaluator.HasRules() {
		fp.Classifier = c.evaluator
	}

	_, err := fp.Run(ctx)
	return err
}

func (c *controller) check() error {
	ctx := logger.WithLogger(c.ctx, logger.LogWith(c.ctx).WithPrefixf("[check]"))
	cfg := c.config.Check

	if err := cfg.Validate(); err != nil {
		return err
	}

	checked, err := cache.Load(cfg.CacheFile, cfg.CacheTTL)
	if err != nil {
		return err
	}

	denied, err := denylist.Load(cfg.DenyFile)
	if err != nil {
		return err
	}

	cp := &pipeline.Check{
		Options: pipeline.CheckOptions{
			Days:      cfg.Days,
			Threshold: *cfg.Threshold,
		},
		Source:     recent.NewCommand(cfg.Command, cfg.Tail, cfg.CommandTimeout),
		Scorer:     abuse.NewClient(cfg.Endpoint, cfg.APIKey, cfg.Timeout),
		Cache:      checked,
		DenyList:   denied,
		Publisher:  c.publisher,
		Classifier: c.evaluator,
		Metrics:    c.metrics,
	}

	_, err = cp.Run(ctx)
	return err
}

func (c *controller) registerMetrics(name string) error {
	var err error
	switch name {
	case "feed":
		err = c.metrics.RegisterFeed(c.registry)
	case "check":
		err = c.metrics.RegisterCheck(c.registry)
	default:
		err = fmt.Errorf("no metrics for %s", name)
	}

	return errors.Wrap(err, "could not register metrics")
}

func (c *controller) writeMetrics(name string) {
	filename := metricsFile(c.config.Metrics, name)
	if err := prometheus.WriteToTextfile(filename, c.registry); err != nil {
		logger.LogWith(c.ctx).WithError(err).Warnf("Could not write metrics to %s", filename)
	}
}

// metricsFile suffixes the base name of path with the pipeline name,
// e.g. abuseip.prom gives abuseip_feed.prom.
func metricsFile(path, name string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + name + ext
}

func (c *controller) close() {
	if c.evaluator != nil {
		c.evaluator.Close()
	}
	if c.logfile != nil {
		c.logfile.Close()
	}
}
