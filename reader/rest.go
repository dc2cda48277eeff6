package reader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedflow/config"
	"feedflow/logger"
	"feedflow/models"
)

const maxBodyBytes = 32 << 20

// Response is one successful REST pull.
type Response struct {
	Payload    []byte
	StatusCode int
	FetchedAt  time.Time
	Duration   time.Duration
	// Usage is the upstream's own request counter for the current window,
	// when the response carried one.
	Usage    int
	HasUsage bool
}

type RESTClient struct {
	client      *http.Client
	baseURL     string
	token       string
	usageHeader string
	log         *logger.Log
}

// NewRESTClient wraps a shared *http.Client; it does not take ownership.
func NewRESTClient(client *http.Client, src config.SourceConfig, usageHeader string, log *logger.Log) *RESTClient {
	if log == nil {
		log = logger.GetLogger()
	}
	return &RESTClient{
		client:      client,
		baseURL:     strings.TrimRight(src.BaseURL, "/"),
		token:       src.Token,
		usageHeader: usageHeader,
		log:         log,
	}
}

// URL renders the request URL for spec and symbol.
func (c *RESTClient) URL(spec models.EndpointSpec, symbol string) string {
	u := c.baseURL + spec.Path(symbol)
	if len(spec.QueryParams) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range spec.QueryParams {
		q.Set(k, v)
	}
	return u + "?" + q.Encode()
}

// Fetch performs one GET. The deadline comes from ctx. Failures are always a
// *FetchError.
func (c *RESTClient) Fetch(ctx context.Context, spec models.EndpointSpec, symbol string) (*Response, error) {
	log := c.log.WithComponent("rest_reader").WithFields(logger.Fields{
		"endpoint": spec.ID,
		"symbol":   symbol,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(spec, symbol), nil)
	if err != nil {
		return nil, &FetchError{Class: ClassSchema, Err: fmt.Errorf("build request: %w", err)}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	accept := spec.Accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	duration := time.Since(start)
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("read body: %w", err))
	}

	out := &Response{
		Payload:    body,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now().UTC(),
		Duration:   duration,
	}
	if c.usageHeader != "" {
		if used, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get(c.usageHeader))); err == nil {
			out.Usage, out.HasUsage = used, true
		}
	}

	logger.LogPerformanceEntry(log, "rest_reader", "api_request", duration, logger.Fields{
		"status": resp.StatusCode,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := classifyStatus(resp, body)
		// keep the usage figure for 429s so the limiter can learn from it
		if out.HasUsage {
			return out, fe
		}
		return nil, fe
	}
	logger.IncrementFetch(spec.ID, len(body))
	return out, nil
}
