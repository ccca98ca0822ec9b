// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
)

// Endpoints used by the refresh cycle
const (
	EndpointEntries      = "/api/v1/entries.json"
	EndpointDeviceStatus = "/api/v1/devicestatus.json"
	EndpointTreatments   = "/api/v1/treatments.json"
	EndpointProfile      = "/api/v1/profile.json"
	EndpointStatus       = "/api/v1/status.json"
)

const (
	entriesCount      = 1000
	deviceStatusCount = 8
	treatmentsCount   = 1000
	breakerFailures   = 3
	breakerOpenFor    = time.Minute
	maxErrorBody      = 512
)

// Options configures a Client
type Options struct {
	BaseURL           string
	APISecret         string
	Token             string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	Retries           int
	Backoff           time.Duration
	VerifySSL         bool
	RequestsPerSecond float64
}

// OptionsFromSettings maps the connection settings onto client options
func OptionsFromSettings(s *config.Settings) Options {
	c := s.Clone().Nightscout
	return Options{
		BaseURL:           c.URL,
		APISecret:         c.APISecret,
		Token:             c.Token,
		ConnectTimeout:    seconds(c.ConnectTimeoutSeconds),
		ReadTimeout:       seconds(c.ReadTimeoutSeconds),
		Retries:           c.Retries,
		Backoff:           seconds(c.RetryBackoffSeconds),
		VerifySSL:         c.VerifySSL,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Client handles communication with the Nightscout API. Each endpoint gets
// its own circuit breaker so one failing collection does not block the rest.
type Client struct {
	baseURL    string
	secretHash string
	token      string
	retries    int
	backoff    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a new Nightscout client
func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !opts.VerifySSL}, //nolint:gosec // self-hosted instances often use self-signed certificates
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		retries:  max(opts.Retries, 0),
		backoff:  opts.Backoff,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
	}
	if opts.APISecret != "" {
		c.secretHash = hashSecret(opts.APISecret)
	}
	return c
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("endpoint", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// BreakerState reports the breaker state for an endpoint
func (c *Client) BreakerState(endpoint string) string {
	return c.breaker(endpoint).State().String()
}

// buildRequest creates an HTTP request with proper authentication. A token
// goes in the query string, which every Nightscout version accepts, and in a
// Bearer header; the hashed secret is only sent without a token.
func (c *Client) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	if params == nil {
		params = url.Values{}
	}
	if c.token != "" {
		params.Set("token", c.token)
	}
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.secretHash != "" {
		req.Header.Set("API-SECRET", c.secretHash)
	}
	return req, nil
}

// statusError is a non-2xx response
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// doRequest executes one attempt and returns the response body
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			se.retryAfter = time.Duration(s) * time.Second
		}
		return nil, se
	}
	return body, nil
}

// get runs a GET through the endpoint's breaker, pacing and retrying
// transient failures with exponential backoff.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	out, err := c.breaker(endpoint).Execute(func() (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt <= c.retries; attempt++ {
			if attempt > 0 {
				wait := c.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
				var se *statusError
				if errors.As(lastErr, &se) && se.retryAfter > wait {
					wait = se.retryAfter
				}
				c.log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Dur("wait", wait).
					Err(lastErr).Msg("retrying request")
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			req, err := c.buildRequest(ctx, endpoint, cloneValues(params))
			if err != nil {
				return nil, err
			}
			body, err := c.doRequest(req)
			if err == nil {
				return body, nil
			}
			lastErr = err
			var se *statusError
			if errors.As(err, &se) && !se.retryable() {
				break
			}
			if ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrFetchFailure, endpoint, err)
	}
	return out.([]byte), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// getRecords fetches an endpoint that returns a JSON array. A single object
// is accepted as a one-element list.
func (c *Client) getRecords(ctx context.Context, endpoint string, params url.Values) ([]models.Record, error) {
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var records []models.Record
	if err := json.Unmarshal(body, &records); err != nil {
		var single models.Record
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", models.ErrFetchFailure, endpoint, err)
		}
		return []models.Record{single}, nil
	}
	return records, nil
}

// Entries retrieves glucose entries newer than since
func (c *Client) Entries(ctx context.Context, since time.Time) ([]models.Record, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("find[date][$gte]", strconv.FormatInt(since.UnixMilli(), 10))
	}
	params.Set("count", strconv.Itoa(entriesCount))
	return c.getRecords(ctx, EndpointEntries, params)
}

// RecentEntries retrieves the most recent count entries
func (c *Client) RecentEntries(ctx context.Context, count int) ([]models.Record, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(count))
	return c.getRecords(ctx, EndpointEntries, params)
}

// DeviceStatus retrieves the latest few devicestatus documents
func (c *Client) DeviceStatus(ctx context.Context) ([]models.Record, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(deviceStatusCount))
	return c.getRecords(ctx, EndpointDeviceStatus, params)
}

// Treatments retrieves treatments created at or after since
func (c *Client) Treatments(ctx context.Context, since time.Time) ([]models.Record, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("find[created_at][$gte]", since.UTC().Format(time.RFC3339))
	}
	params.Set("count", strconv.Itoa(treatmentsCount))
	return c.getRecords(ctx, EndpointTreatments, params)
}

// Profile retrieves the active profile document
func (c *Client) Profile(ctx context.Context) (models.Record, error) {
	params := url.Values{}
	params.Set("count", "1")
	docs, err := c.getRecords(ctx, EndpointProfile, params)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: empty profile list", models.ErrDataUnavailable)
	}
	return docs[0], nil
}

// LatestSensorChange looks up the newest sensor change regardless of the
// chart window. It falls back to a pattern match for uploaders that log
// sensor starts instead. A nil record means none was found.
func (c *Client) LatestSensorChange(ctx context.Context) (models.Record, error) {
	params := url.Values{}
	params.Set("find[eventType]", "Sensor Change")
	params.Set("count", "1")
	docs, err := c.getRecords(ctx, EndpointTreatments, params)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		params = url.Values{}
		params.Set("find[eventType][$regex]", "Sensor Change|Sensor Start")
		params.Set("count", "3")
		if docs, err = c.getRecords(ctx, EndpointTreatments, params); err != nil {
			return nil, err
		}
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Status retrieves the Nightscout server status
func (c *Client) Status(ctx context.Context) (models.Record, error) {
	body, err := c.get(ctx, EndpointStatus, nil)
	if err != nil {
		return nil, err
	}
	var status models.Record
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("%w: parsing status: %w", models.ErrFetchFailure, err)
	}
	return status, nil
}

// TestConnection checks that the server answers and that the credentials can
// read entries. The status endpoint alone is often public.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.Status(ctx); err != nil {
		return err
	}
	if _, err := c.RecentEntries(ctx, 1); err != nil {
		return fmt.Errorf("reading entries: %w", err)
	}
	return nil
}
