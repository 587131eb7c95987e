// Package transport builds the proxy-aware http.Transports used by the fetcher
// and the validator. The fetcher's shared transport picks the proxy per
// request from the request context, so one connection pool serves every proxy
// and direct connections.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

type proxyKey struct{}

// WithProxy returns a context that routes requests made with it through
// proxyURL. A nil proxyURL means a direct connection.
func WithProxy(ctx context.Context, proxyURL *url.URL) context.Context {
	return context.WithValue(ctx, proxyKey{}, proxyURL)
}

// FromContext returns the proxy attached by WithProxy, if any.
func FromContext(ctx context.Context) *url.URL {
	u, _ := ctx.Value(proxyKey{}).(*url.URL)
	return u
}

// ParseProxy parses a proxy address. A bare "host:port" is treated as an
// HTTP proxy.
func ParseProxy(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("empty proxy address")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("proxy address %q has no port", addr)
	}
	return u, nil
}

// Options tunes the transport.
type Options struct {
	Timeout           time.Duration
	DisableKeepAlives bool
	// InsecureSkipVerify 用于验证阶段, 免费代理常常劫持 TLS。
	InsecureSkipVerify bool
}

// New creates the shared transport. The proxy URL from the request context is
// returned from the Proxy hook for every scheme, so the connection pool is
// keyed by proxy and a connection is never reused across proxies.
// socks5 URLs are dialled by net/http's built-in SOCKS5 client.
func New(opts Options) *http.Transport {
	t := base(opts)
	t.Proxy = func(req *http.Request) (*url.URL, error) {
		return FromContext(req.Context()), nil
	}
	return t
}

// ForProxy creates a transport bound to a single proxy. SOCKS5 proxies are
// dialled with golang.org/x/net/proxy; HTTP(S) proxies use CONNECT/forwarding.
func ForProxy(u *url.URL, opts Options) (*http.Transport, error) {
	t := base(opts)
	if !isSocks(u) {
		t.Proxy = http.ProxyURL(u)
		return t, nil
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	socks, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", u.Host)
	}
	t.DialContext = cd.DialContext
	return t, nil
}

func base(opts Options) *http.Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		DisableKeepAlives:     opts.DisableKeepAlives,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func isSocks(u *url.URL) bool {
	return u.Scheme == "socks5" || u.Scheme == "socks5h"
}
