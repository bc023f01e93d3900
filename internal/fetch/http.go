package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the body of a URL as text.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// DefaultHTTPOptions returns the options used when none are configured.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:      10 * time.Second,
		UserAgent:    "botbox/1.0",
		MaxBodyBytes: 2 << 20,
	}
}

// HTTPFetcher fetches over net/http. Identical URLs requested concurrently
// by different workers share one request.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	group  singleflight.Group
	logger *zap.Logger
}

// NewHTTPFetcher creates a fetcher. Zero option fields take their defaults.
func NewHTTPFetcher(opts HTTPOptions, logger *zap.Logger) *HTTPFetcher {
	def := DefaultHTTPOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
	}
}

// Fetch GETs rawURL and returns the body decoded to UTF-8. Non-2xx
// responses still return their body; only transport failures are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}

	// The shared request must not die with whichever caller started it.
	shareCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(rawURL, func() (any, error) {
		return f.get(shareCtx, rawURL)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			f.logger.Debug("fetch shared", zap.String("url", rawURL))
		}
		return res.Val.(string), nil
	}
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return "", fmt.Errorf("%w: %s is over %d bytes", ErrBodyTooLarge, rawURL, f.opts.MaxBodyBytes)
	}

	r, err := charset.NewReader(bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}

	f.logger.Info("fetched",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))
	return string(text), nil
}
