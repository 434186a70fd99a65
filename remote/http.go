package remote

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/errors"
)

// DefaultUserAgent identifies requests to catalog servers, some of which
// reject clients without a browser-like agent.
const DefaultUserAgent = "Mozilla/4.0 (compatible; MSIE 0; DatasheetCache)"

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// UserAgent sent with every request. Default: DefaultUserAgent
	UserAgent string

	// HeaderTimeout bounds the wait for response headers. The body is bounded
	// only by the caller's context. Default: 30s
	HeaderTimeout time.Duration

	// Retries is the number of additional attempts for retryable failures.
	// Default: 0
	Retries int

	// InitialBackoff is the first retry delay. Default: 500ms
	InitialBackoff time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// DefaultHTTPOptions returns options with sensible defaults.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		UserAgent:      DefaultUserAgent,
		HeaderTimeout:  30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// HTTPSource fetches artifacts with HTTP GET requests on their links.
type HTTPSource struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPSource creates an HTTP source. Zero option fields take their
// defaults.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	def := DefaultHTTPOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = def.HeaderTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: opts.HeaderTimeout,
			},
		}
	}
	return &HTTPSource{client: client, opts: opts}
}

// FetchDocument downloads the descriptor's datasheet.
func (h *HTTPSource) FetchDocument(ctx context.Context, d artifact.Descriptor) (*Payload, error) {
	return h.get(ctx, d.DatasheetLink)
}

// FetchImage downloads the descriptor's image.
func (h *HTTPSource) FetchImage(ctx context.Context, d artifact.Descriptor) (*Payload, error) {
	if strings.TrimSpace(d.ImageLink) == "" {
		return nil, errors.WithContext(errors.New(errors.CodeInvalidInput, "descriptor has no image link"), "id", string(d.ID))
	}
	return h.get(ctx, d.ImageLink)
}

func (h *HTTPSource) get(ctx context.Context, link string) (*Payload, error) {
	var payload *Payload

	op := func() error {
		p, err := h.do(ctx, link)
		if err != nil {
			if ctx.Err() != nil || !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.opts.Retries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.GetCode(err) == errors.CodeUnknown && ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.CodeTimeout, "request cancelled")
		}
		return nil, err
	}
	return payload, nil
}

func (h *HTTPSource) do(ctx context.Context, link string) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidInput, "invalid link", map[string]interface{}{
			"link": link,
		})
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CodeTimeout, "request cancelled")
		}
		return nil, errors.WrapWithContext(err, errors.CodeNetwork, "request failed", map[string]interface{}{
			"link": link,
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, errors.WithContextMap(
			errors.Newf(statusCode(resp.StatusCode), "unexpected status %s", resp.Status),
			map[string]interface{}{
				"link":   link,
				"status": resp.StatusCode,
			},
		)
	}

	return &Payload{Body: resp.Body, Size: resp.ContentLength}, nil
}

func statusCode(status int) errors.ErrorCode {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return errors.CodeNotFound
	case status == http.StatusUnauthorized:
		return errors.CodeUnauthorized
	case status == http.StatusForbidden:
		return errors.CodeForbidden
	case status == http.StatusTooManyRequests:
		return errors.CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.CodeTimeout
	case status >= 500:
		return errors.CodeUnavailable
	default:
		return errors.CodeInvalidInput
	}
}
