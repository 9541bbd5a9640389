package uniquafy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchMaxBytes = 10 << 20
)

var (
	// ErrTooLarge is returned when a downloaded image exceeds the size cap.
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	// ErrBlockedAddress is returned when a host resolves to an address the
	// fetcher refuses to dial.
	ErrBlockedAddress = errors.New("address not allowed")
)

// StatusError is a non-2xx response from the image host.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}

// FetcherConfig configures image downloads.
type FetcherConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client // optional; a pooled client is built when nil
	// DenyPrivate refuses loopback, private, link-local and unspecified
	// addresses, redirects included. Ignored when Client is set.
	DenyPrivate bool
	Logger      *slog.Logger
}

// Fetcher downloads images with a hard time bound and no retries.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultFetchMaxBytes
	}
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(cfg.Timeout, cfg.DenyPrivate)
	}
	return &Fetcher{
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
	}
}

// Fetch downloads an http or https URL. The whole exchange, body included, is
// bounded by the configured timeout regardless of the caller's deadline.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Image{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Image{}, fmt.Errorf("fetch %q: %w", u.Scheme, ErrUnsupportedScheme)
	}
	if u.Host == "" {
		return Image{}, fmt.Errorf("fetch: url has no host")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Image{}, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Image{}, fmt.Errorf("fetch %s: %w (%d bytes)", rawURL, ErrTooLarge, f.maxBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	f.logger.Debug("image fetched",
		"url", rawURL,
		"bytes", len(data),
		"mime", mimeType,
		"took", time.Since(start),
	)
	return Image{Data: data, MIMEType: mimeType}, nil
}

// newHTTPClient returns a pooled HTTP client whose dial and header waits fit
// inside timeout.
func newHTTPClient(timeout time.Duration, denyPrivate bool) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	proxy := http.ProxyFromEnvironment
	if denyPrivate {
		dialer.Control = denyPrivateControl
		// A proxy would dial on our behalf and skip the address check.
		proxy = nil
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// denyPrivateControl runs after name resolution, so it sees the address
// actually dialled.
func denyPrivateControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || isPrivateIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrBlockedAddress)
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
