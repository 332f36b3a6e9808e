package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultEndpoint = "https://api.abuseipdb.com/api/v2/check"
	DefaultTimeout  = 10 * time.Second
)

// Caps the size of a check response.
const maxResponseSize = 1 << 20

// ErrMalformedResponse is returned when the API answer does not carry a valid confidence score.
var ErrMalformedResponse = errors.New("malformed abuse check response")

// A Scorer returns the abuse confidence score, in [0, 100], of an IP.
type Scorer interface {
	Check(ctx context.Context, ip string, maxAgeDays int) (int, error)
}

type (
	// A StatusError is returned when the API answers with a non-2xx status.
	StatusError struct {
		IP     string
		Status int
		Body   string
	}

	// A Client checks IPs against the AbuseIPDB API.
	Client struct {
		client   *http.Client
		endpoint string
		apiKey   string
	}

	checkResponse struct {
		Data *struct {
			IPAddress            string `json:"ipAddress"`
			AbuseConfidenceScore *int   `json:"abuseConfidenceScore"`
			CountryCode          string `json:"countryCode"`
			TotalReports         int    `json:"totalReports"`
		} `json:"data"`
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("abuse check of %s: unexpected status %d: %s", e.IP, e.Status, e.Body)
}

// NewClient returns a new Client.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Check implements Scorer.
func (c *Client) Check(ctx context.Context, ip string, maxAgeDays int) (int, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, errors.Wrap(err, "invalid abuse check endpoint")
	}

	q := u.Query()
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(maxAgeDays))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "could not create abuse check request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "could not check %s", ip)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, errors.Wrapf(err, "could not read abuse check of %s", ip)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(payload) > 256 {
			payload = payload[:256]
		}
		return 0, &StatusError{IP: ip, Status: resp.StatusCode, Body: string(payload)}
	}

	var result checkResponse
	if err = json.Unmarshal(payload, &result); err != nil {
		return 0, errors.Wrapf(ErrMalformedResponse, "%s: %s", ip, err)
	}

	if result.Data == nil || result.Data.AbuseConfidenceScore == nil {
		return 0, errors.Wrapf(ErrMalformedResponse, "%s: missing abuseConfidenceScore in %s", ip, payload)
	}

	score := *result.Data.AbuseConfidenceScore
	if score < 0 || score > 100 {
		return 0, errors.Wrapf(ErrMalformedResponse, "%s: score %d out of range", ip, score)
	}

	return score, nil
}
