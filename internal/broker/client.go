package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"citypulse/internal/observability/metrics"
)

// ErrUpstreamUnavailable is returned once a page request exhausts its retries.
var ErrUpstreamUnavailable = errors.New("broker: upstream unavailable")

// errNoContent marks a clean end-of-data response at an offset.
var errNoContent = errors.New("broker: no content")

const (
	defaultPageSize    = 100
	defaultMaxPages    = 1000
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// Client fetches entities from an NGSI-style context broker.
type Client struct {
	baseURL     string
	client      *http.Client
	logger      *log.Logger
	pageSize    int
	maxPages    int
	maxAttempts int
	backoffBase time.Duration
	sleep       func(context.Context, time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithPageSize sets the fixed page size requested from the broker.
func WithPageSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithMaxAttempts sets the per-page retry budget.
func WithMaxAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithBackoffBase sets the exponential backoff base delay.
func WithBackoffBase(base time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
	}
}

// WithMaxPages sets the pagination iteration ceiling.
func WithMaxPages(pages int) Option {
	return func(c *Client) {
		if pages > 0 {
			c.maxPages = pages
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a broker client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("broker: empty base url")
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      log.Default(),
		pageSize:    defaultPageSize,
		maxPages:    defaultMaxPages,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchAll retrieves every entity of the given broker type by walking
// fixed-size pages until a short page signals exhaustion.
func (c *Client) FetchAll(ctx context.Context, brokerType string) ([]map[string]any, error) {
	if c == nil {
		return nil, errors.New("broker: nil client")
	}
	if brokerType == "" {
		return nil, errors.New("broker: empty entity type")
	}

	var all []map[string]any
	for page := 0; page < c.maxPages; page++ {
		offset := page * c.pageSize
		records, err := c.fetchPage(ctx, brokerType, offset)
		if errors.Is(err, errNoContent) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		metrics.IncFetchPage(brokerType)
		if len(records) < c.pageSize {
			return all, nil
		}
	}
	c.logger.Printf("broker: page ceiling reached: type=%s pages=%d fetched=%d", brokerType, c.maxPages, len(all))
	return all, nil
}

// FetchByID retrieves a single entity by identifier.
func (c *Client) FetchByID(ctx context.Context, id string) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("broker: nil client")
	}
	if id == "" {
		return nil, errors.New("broker: empty entity id")
	}
	query := url.Values{}
	query.Set("options", "keyValues")
	body, err := c.getWithRetry(ctx, "/entities/"+url.PathEscape(id)+"?"+query.Encode())
	if errors.Is(err, errNoContent) {
		return nil, fmt.Errorf("broker: entity %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("broker: decode entity %s: %w", id, err)
	}
	return record, nil
}

// fetchPage requests one page. The broker may answer with a JSON array or a
// single object for a one-element result.
func (c *Client) fetchPage(ctx context.Context, brokerType string, offset int) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("type", brokerType)
	query.Set("limit", fmt.Sprintf("%d", c.pageSize))
	query.Set("offset", fmt.Sprintf("%d", offset))
	query.Set("options", "keyValues")

	body, err := c.getWithRetry(ctx, "/entities?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err == nil {
		if len(records) == 0 {
			return nil, errNoContent
		}
		return records, nil
	}
	var single map[string]any
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("broker: decode page type=%s offset=%d: %w", brokerType, offset, err)
	}
	return []map[string]any{single}, nil
}

func (c *Client) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.IncFetchRetry()
			c.sleep(ctx, c.backoffBase*(1<<(attempt-1)))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		body, err := c.get(ctx, path)
		if err == nil || errors.Is(err, errNoContent) {
			return body, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, path, lastErr)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, errNoContent
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("broker: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errNoContent
	}
	return body, nil
}
