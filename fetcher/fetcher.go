package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/transport"
	"proxyfetch/internal/shared/types"
	"proxyfetch/internal/shared/useragent"
)

var (
	// ErrExhausted 表示重试次数用尽仍未成功, 属于可恢复的单 URL 失败。
	ErrExhausted = errors.New("fetcher: retry budget exhausted")
	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("fetcher: closed")
)

// ProxyPool 是 Fetcher 对代理池的全部依赖。
type ProxyPool interface {
	GetProxy(ctx context.Context) (string, bool)
	ReportSuccess(addr string)
	ReportFailure(addr string)
}

// Attempt 描述一次抓取尝试, 仅在内存中传递给 AttemptObserver。
type Attempt struct {
	URL        string        `json:"url"`
	Index      int           `json:"attempt"`
	Proxy      string        `json:"proxy,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Delay      time.Duration `json:"delay"`
	At         time.Time     `json:"at"`
}

// AttemptObserver receives every attempt. Implementations must not block.
type AttemptObserver interface {
	ObserveAttempt(a Attempt)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Fetcher 负责单个 URL 的抓取: 选代理、发请求、分类响应、按策略等待后重试,
// 并把结果报告给代理池。所有并发抓取共享同一个 HTTP 会话。
type Fetcher struct {
	timeout    time.Duration
	retryLimit int
	retryDelay time.Duration
	maxBody    int64
	headers    map[string]string

	pool     ProxyPool
	agents   *useragent.Pool
	observer AttemptObserver
	sleep    Sleeper
	limiter  *rate.Limiter
	policies *Policies

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu        sync.Mutex
	client    *http.Client
	tr        *http.Transport
	closed    bool
	closeOnce sync.Once
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithProxyPool routes requests through pool. Without it every request is direct.
func WithProxyPool(pool ProxyPool) Option {
	return func(f *Fetcher) { f.pool = pool }
}

func WithUserAgents(agents *useragent.Pool) Option {
	return func(f *Fetcher) { f.agents = agents }
}

func WithObserver(o AttemptObserver) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithSleeper replaces the real backoff sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithRand seeds the jitter source.
func WithRand(rnd *rand.Rand) Option {
	return func(f *Fetcher) { f.rnd = rnd }
}

// WithLimiter overrides the limiter built from requests_per_second.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithPolicies overrides the default delay schedule.
func WithPolicies(p Policies) Option {
	return func(f *Fetcher) { f.policies = &p }
}

// New validates conf and creates a Fetcher. The HTTP session is created lazily.
func New(conf types.FetchConf, opts ...Option) (*Fetcher, error) {
	if conf.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("fetcher: timeout must be positive, got %d", conf.TimeoutSeconds)
	}
	if conf.RetryLimit < 1 {
		return nil, fmt.Errorf("fetcher: retry limit must be at least 1, got %d", conf.RetryLimit)
	}
	if conf.RetryDelaySeconds < 0 {
		return nil, fmt.Errorf("fetcher: retry delay must not be negative, got %v", conf.RetryDelaySeconds)
	}

	f := &Fetcher{
		timeout:    time.Duration(conf.TimeoutSeconds) * time.Second,
		retryLimit: conf.RetryLimit,
		retryDelay: time.Duration(conf.RetryDelaySeconds * float64(time.Second)),
		maxBody:    conf.MaxBodyBytes,
		headers:    make(map[string]string, len(conf.Headers)),
		sleep:      sleepCtx,
	}
	for k, v := range conf.Headers {
		f.headers[k] = v
	}
	if f.maxBody <= 0 {
		f.maxBody = 10 << 20
	}
	if conf.RequestsPerSecond > 0 {
		burst := int(conf.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), burst)
	}

	for _, opt := range opts {
		opt(f)
	}
	if f.agents == nil {
		f.agents = useragent.New()
	}
	if f.rnd == nil {
		f.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if f.policies == nil {
		p := DefaultPolicies(f.retryDelay, f.jitter)
		f.policies = &p
	}
	return f, nil
}

func (f *Fetcher) jitter() float64 {
	f.rndMu.Lock()
	defer f.rndMu.Unlock()
	return f.rnd.Float64()
}

// session 返回共享的 HTTP 客户端, 不存在时创建; 关闭后不再返回。
func (f *Fetcher) session() (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.client == nil {
		f.tr = transport.New(transport.Options{Timeout: f.timeout})
		f.client = &http.Client{Transport: f.tr, Timeout: f.timeout}
	}
	return f.client, nil
}

// Close 关闭共享会话, 可重复调用。
func (f *Fetcher) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		tr := f.tr
		f.client, f.tr = nil, nil
		f.mu.Unlock()
		if tr != nil {
			tr.CloseIdleConnections()
		}
		l := logger.WithComponent("Fetcher")
		l.Info().Msg("HTTP session closed.")
	})
	return nil
}

// Fetch 抓取 rawURL 并返回 UTF-8 文本。重试次数用尽时返回 ErrExhausted;
// ctx 被取消时返回 ctx.Err(), 此时不会把失败算到代理头上。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	l := logger.WithComponent("Fetcher")

	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("fetcher: invalid url %q", rawURL)
	}
	client, err := f.session()
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < f.retryLimit; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				// 令牌要等到 deadline 之后才可用
				return "", fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
		}

		proxyAddr := ""
		if f.pool != nil {
			if addr, ok := f.pool.GetProxy(ctx); ok {
				proxyAddr = addr
			}
		}
		l.Debug().Str("url", rawURL).Int("attempt", attempt+1).Int("retry_limit", f.retryLimit).Str("proxy", proxyAddr).Msg("Fetching...")

		body, status, err := f.do(ctx, client, rawURL, proxyAddr)
		if err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}

		outcome := OutcomeTransportError
		if err == nil {
			outcome = Classify(status)
		}
		att := Attempt{
			URL:        rawURL,
			Index:      attempt,
			Proxy:      proxyAddr,
			Outcome:    outcome,
			StatusCode: status,
			At:         time.Now(),
		}

		if outcome == OutcomeSuccess {
			if proxyAddr != "" {
				f.pool.ReportSuccess(proxyAddr)
			}
			f.observe(att)
			l.Debug().Str("url", rawURL).Msg("Successfully fetched.")
			return body, nil
		}

		if proxyAddr != "" {
			f.pool.ReportFailure(proxyAddr)
		}
		if err != nil {
			lastErr = err
			att.Error = err.Error()
			l.Warn().Err(err).Str("url", rawURL).Str("proxy", proxyAddr).Int("attempt", attempt+1).Msg("Request error.")
		} else {
			lastErr = fmt.Errorf("unexpected status code %d", status)
			l.Warn().Int("status_code", status).Str("outcome", string(outcome)).Str("url", rawURL).Str("proxy", proxyAddr).Int("attempt", attempt+1).Msg("HTTP error.")
		}

		if attempt == f.retryLimit-1 {
			f.observe(att)
			break
		}

		specific, generic := f.policies.Schedule(outcome, attempt)
		att.Delay = specific + generic
		f.observe(att)
		if specific > 0 {
			l.Info().Dur("wait", specific).Str("outcome", string(outcome)).Str("url", rawURL).Msg("Waiting before retry.")
			if err := f.sleep(ctx, specific); err != nil {
				return "", err
			}
		}
		if err := f.sleep(ctx, generic); err != nil {
			return "", err
		}
	}

	l.Error().Str("url", rawURL).Int("attempts", f.retryLimit).Msg("Max retries reached.")
	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, f.retryLimit, lastErr)
}

// do issues one GET. A non-nil error is a transport failure; otherwise the
// status code classifies the attempt and body is set only for 200.
func (f *Fetcher) do(ctx context.Context, client *http.Client, rawURL, proxyAddr string) (string, int, error) {
	reqCtx := ctx
	if proxyAddr != "" {
		proxyURL, err := transport.ParseProxy(proxyAddr)
		if err != nil {
			return "", 0, err
		}
		reqCtx = transport.WithProxy(ctx, proxyURL)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", f.agents.Random())

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", resp.StatusCode, nil
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, f.maxBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", 0, fmt.Errorf("failed to decode body: %w", err)
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read body: %w", err)
	}
	return string(b), resp.StatusCode, nil
}

func (f *Fetcher) observe(a Attempt) {
	if f.observer != nil {
		f.observer.ObserveAttempt(a)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
