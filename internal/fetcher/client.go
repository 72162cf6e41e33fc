package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/klauspost/compress/gzip"
	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// Client fetches RRDP documents over HTTPS using tls-client. It retries
// transport failures and retryable statuses with exponential backoff; the
// final response body is handed upward as a stream.
type Client struct {
	tlsClient tls_client.HttpClient
	userAgent string
	retrier   *Retrier
	log       *utils.Logger
}

// ClientOptions contains options for creating a Client
type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	ProxyURL   string
	Logger     *utils.Logger
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		UserAgent:  "rrdp-go",
	}
}

// NewClient creates a new RRDP fetch client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "rrdp-go"
	}
	log := opts.Logger
	if log == nil {
		log = utils.Nop()
	}

	tlsOpts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(opts.Timeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_131),
		tls_client.WithNotFollowRedirects(),
	}
	if opts.ProxyURL != "" {
		tlsOpts = append(tlsOpts, tls_client.WithProxyUrl(opts.ProxyURL))
	}

	tlsClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), tlsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls client: %w", err)
	}

	retrier := NewRetrier(RetrierOptions{
		MaxRetries:      opts.MaxRetries,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	})

	return &Client{
		tlsClient: tlsClient,
		userAgent: opts.UserAgent,
		retrier:   retrier,
		log:       log.WithComponent("fetcher"),
	}, nil
}

// Fetch issues a GET for uri. A non-empty ifModifiedSince is passed through
// as the If-Modified-Since header so an unchanged notification comes back
// as a bare 304.
func (c *Client) Fetch(ctx context.Context, uri, ifModifiedSince string) (*domain.FetchResponse, error) {
	return RetryWithValue(ctx, c.retrier, func() (*domain.FetchResponse, error) {
		resp, err := c.doRequest(ctx, uri, ifModifiedSince)
		if err != nil {
			return nil, domain.NewFetchError(uri, 0, err)
		}
		if ShouldRetryStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, domain.NewFetchError(uri, resp.StatusCode, fmt.Errorf("retryable status"))
		}
		return resp, nil
	})
}

func (c *Client) doRequest(ctx context.Context, uri, ifModifiedSince string) (*domain.FetchResponse, error) {
	req, err := fhttp.NewRequest(fhttp.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if ifModifiedSince != "" {
		req.Header.Set("If-Modified-Since", ifModifiedSince)
	}

	c.log.Debug().Str("uri", uri).Msg("fetch")
	resp, err := c.tlsClient.Do(req)
	if err != nil {
		return nil, err
	}

	body := resp.Body
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("bad gzip body for %s: %w", uri, err)
		}
		body = &gzipBody{Reader: zr, raw: resp.Body}
	}

	return &domain.FetchResponse{
		StatusCode:   resp.StatusCode,
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	}, nil
}

// Close releases client resources
func (c *Client) Close() error {
	// the tls client has no Close method; kept for interface compliance
	return nil
}

// gzipBody decompresses a gzip response body and closes both layers
type gzipBody struct {
	*gzip.Reader
	raw io.ReadCloser
}

func (b *gzipBody) Close() error {
	err := b.Reader.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
