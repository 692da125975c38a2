// Package providerhttp is the outbound HTTP plumbing shared by provider clients:
// a hard per-call timeout, rate limiting, tracing and transport-error classification.
package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"jaspire/internal/domain/linking"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
	logBodyBytes   = 512
)

var (
	providerTracer     = otel.Tracer("jaspire/provider")
	providerMeter      = otel.Meter("jaspire/provider")
	requestDuration, _ = providerMeter.Float64Histogram("provider.request.duration", metric.WithDescription("Provider request duration in seconds"), metric.WithUnit("s"))
	requestTotal, _    = providerMeter.Int64Counter("provider.request.total", metric.WithDescription("Provider requests by outcome"))
)

type Config struct {
	Provider  linking.Provider
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second; zero disables limiting
	RateBurst int
	// Transport overrides the base round tripper. Used by tests.
	Transport http.RoundTripper
}

// Client sends requests to one provider's API.
type Client struct {
	provider   linking.Provider
	baseURL    string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// New creates a provider HTTP client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		provider: cfg.Provider,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:  timeout,
		limiter:  limiter,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(base),
			// Redirects from a provider API are never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Provider returns the provider this client talks to.
func (c *Client) Provider() linking.Provider {
	return c.provider
}

// Request describes one provider call. At most one of JSON and Form is set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	JSON   any
	Form   url.Values
	// Operation names the call in traces and metrics, e.g. "exchange_token".
	Operation string
}

// Response is a fully read provider response. Non-2xx statuses are not errors
// at this layer; provider clients map them into their own error kinds.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do executes req within the provider timeout. Transport failures come back as
// ProviderTimeout or ProviderUnavailable; there are no retries.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := req.Operation
	if op == "" {
		op = req.Path
	}
	ctx, span := providerTracer.Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.name", string(c.provider)),
			attribute.String("provider.operation", op),
			attribute.String("http.request.method", req.Method),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, req)

	outcome := "ok"
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if !resp.OK() {
			outcome = "http_error"
		}
	}
	if err != nil {
		outcome = string(linking.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	attrs := metric.WithAttributes(
		attribute.String("provider", string(c.provider)),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)

	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(ctx, err)
		}
	}

	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// classify maps a transport failure into ProviderTimeout or ProviderUnavailable.
func (c *Client) classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return linking.NewError(linking.KindProviderTimeout, c.provider, "provider timed out", err)
	}
	return linking.NewError(linking.KindProviderUnavailable, c.provider, "provider unavailable", err)
}

// Unavailable logs a failed response server-side and returns the ProviderUnavailable
// error callers see. The raw payload never leaves this process.
func (c *Client) Unavailable(op string, resp *Response) error {
	log.Printf("Provider %s: %s failed with status %d: %s", c.provider, op, resp.StatusCode, Truncate(resp.Body))
	return linking.NewError(linking.KindProviderUnavailable, c.provider,
		fmt.Sprintf("provider returned status %d", resp.StatusCode), nil)
}

// DecodeJSON unmarshals a provider body; malformed payloads are ProviderUnavailable.
func (c *Client) DecodeJSON(op string, resp *Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		log.Printf("Provider %s: %s returned malformed body: %s", c.provider, op, Truncate(resp.Body))
		return linking.NewError(linking.KindProviderUnavailable, c.provider, "provider returned a malformed response", err)
	}
	return nil
}

// Truncate shortens a payload for logging.
func Truncate(b []byte) string {
	if len(b) <= logBodyBytes {
		return string(b)
	}
	return string(b[:logBodyBytes]) + "..."
}
