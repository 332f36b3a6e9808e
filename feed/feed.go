package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultURL     = "https://raw.githubusercontent.com/borestad/blocklist-abuseipdb/refs/heads/main/abuseipdb-s100-30d.ipv4"
	DefaultMaxSize = 20 << 20
	DefaultTimeout = 120 * time.Second
)

// ErrOversize is returned when the feed is larger than the allowed ceiling.
var ErrOversize = errors.New("feed exceeds size limit")

// A StatusError is returned when the feed server answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// A Fetcher downloads a remote blocklist.
type Fetcher struct {
	client  *http.Client
	maxSize int64
}

// NewFetcher returns a new Fetcher.
func NewFetcher(timeout time.Duration, maxSize int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		maxSize: maxSize,
	}
}

// Fetch downloads the blocklist located at url and returns its text.
// Invalid UTF-8 sequences are dropped.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	log := logger.LogWith(ctx)
	log.Infof("Downloading blocklist from %s", url)

	payload, err := f.FetchBytes(ctx, url)
	if err != nil {
		return "", err
	}

	text := strings.ToValidUTF8(string(payload), "")
	log.Infof("Downloaded %d bytes, %d lines", len(payload), strings.Count(text, "\n"))

	return text, nil
}

// FetchBytes downloads the raw content located at url.
func (f *Fetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create feed request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not download feed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	if resp.ContentLength > f.maxSize {
		return nil, errors.Wrapf(ErrOversize, "declared %d bytes (max: %d)", resp.ContentLength, f.maxSize)
	}

	// One extra byte is enough to detect an overflow.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "could not read feed")
	}

	if int64(len(payload)) > f.maxSize {
		return nil, errors.Wrapf(ErrOversize, "downloaded content exceeds %d bytes", f.maxSize)
	}

	return payload, nil
}
