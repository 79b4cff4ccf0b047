// Package origin forwards edge requests to the origin API server.
package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SecretHeader carries the shared secret that marks a request as proxied.
const SecretHeader = "X-Proxy-Secret"

var (
	// ErrOriginUnavailable wraps transport failures talking to the origin.
	ErrOriginUnavailable = errors.New("origin unavailable")
	// ErrOriginTimeout is returned when the per-request deadline passes.
	ErrOriginTimeout = errors.New("origin timed out")
)

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response is a fully buffered origin response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Secret  string
	Timeout time.Duration

	// MaxRPS caps outbound requests per second; zero disables the cap.
	MaxRPS float64
	Burst  int

	RetryInitialMs  int
	RetryMaxMs      int
	RetryMaxRetries int

	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Client forwards requests to a fixed origin base URL.
type Client struct {
	base    *url.URL
	secret  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	retrier *retrier
	logger  zerolog.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin URL must be http or https, got %q", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("origin URL missing host: %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &Client{
		base:    base,
		secret:  opts.Secret,
		timeout: opts.Timeout,
		http: &http.Client{
			Transport: transport,
			// Relay redirects to the client instead of following them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retrier: newRetrier(opts.RetryInitialMs, opts.RetryMaxMs, opts.RetryMaxRetries),
		logger:  opts.Logger,
	}
	if opts.MaxRPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.MaxRPS) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	return c, nil
}

// BaseURL returns the origin base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// TargetURL joins the origin base with the incoming path and raw query.
func (c *Client) TargetURL(r *http.Request) string {
	target := c.base.String() + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// Forward sends r to the origin and buffers the response. Cancelling r's
// context cancels the origin fetch. GET and HEAD are retried on transport errors.
func (c *Client) Forward(r *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	header := outboundHeader(r.Header, c.secret)
	target := c.TargetURL(r)

	attempt := func() (*Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header = header.Clone()
		if body != nil {
			req.ContentLength = int64(len(body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		h := resp.Header.Clone()
		removeHopByHop(h)
		return &Response{Status: resp.StatusCode, Header: h, Body: data}, nil
	}

	var out *Response
	fn := func() error {
		resp, err := attempt()
		out = resp
		return err
	}

	var err error
	if isIdempotent(r.Method) {
		err = c.retrier.do(ctx, fn, isRetryableTransport, func(n int, delay time.Duration, err error) {
			c.logger.Warn().Err(err).Int("attempt", n).Dur("sleep", delay).Str("target", target).Msg("retrying origin fetch")
		})
	} else {
		err = fn()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
	}
	return out, nil
}

// Probe issues a GET for path on the origin and returns the status code.
func (c *Client) Probe(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return 0, err
	}
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// outboundHeader copies the client headers minus Host, hop-by-hop headers and
// any client-supplied secret, then sets the configured secret.
func outboundHeader(in http.Header, secret string) http.Header {
	h := in.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Host")
	removeHopByHop(h)
	h.Del(SecretHeader)
	if secret != "" {
		h.Set(SecretHeader, secret)
	}
	return h
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
