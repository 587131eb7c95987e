package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"proxyfetch/internal/shared/types"
	"proxyfetch/internal/shared/useragent"
)

// mockPool 总是返回同一个代理, 并记录上报结果。
type mockPool struct {
	mu        sync.Mutex
	addr      string
	gets      int
	successes map[string]int
	failures  map[string]int
}

func newMockPool(addr string) *mockPool {
	return &mockPool{addr: addr, successes: map[string]int{}, failures: map[string]int{}}
}

func (m *mockPool) GetProxy(ctx context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	return m.addr, m.addr != ""
}

func (m *mockPool) ReportSuccess(addr string) {
	m.mu.Lock()
	m.successes[addr]++
	m.mu.Unlock()
}

func (m *mockPool) ReportFailure(addr string) {
	m.mu.Lock()
	m.failures[addr]++
	m.mu.Unlock()
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (o *recordingObserver) ObserveAttempt(a Attempt) {
	o.mu.Lock()
	o.attempts = append(o.attempts, a)
	o.mu.Unlock()
}

func testFetchConf() types.FetchConf {
	return types.FetchConf{
		TimeoutSeconds:    5,
		RetryLimit:        3,
		RetryDelaySeconds: 2,
		ConcurrencyLimit:  5,
		Headers:           map[string]string{"X-Test": "yes"},
	}
}

// scriptedProxy 是一个 HTTP 正向代理, 依次按 statuses 回应, 用完后一直回应 200。
func scriptedProxy(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if !strings.HasPrefix(r.RequestURI, "http://") {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		fmt.Fprintf(w, "<html>%s via proxy</html>", r.URL.Host)
	}))
	return srv, &hits
}

func TestFetch_RateLimitedThenSuccess(t *testing.T) {
	proxySrv, hits := scriptedProxy(t, http.StatusTooManyRequests, http.StatusTooManyRequests)
	defer proxySrv.Close()

	pool := newMockPool(proxySrv.URL)
	sleeps := &recordedSleeps{}
	obs := &recordingObserver{}
	f, err := New(testFetchConf(),
		WithProxyPool(pool),
		WithSleeper(sleeps.sleep),
		WithObserver(obs),
		WithRand(rand.New(rand.NewSource(1))),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	body, err := f.Fetch(context.Background(), "http://target.example/page")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if body != "<html>target.example via proxy</html>" {
		t.Errorf("unexpected body %q", body)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
	if pool.failures[proxySrv.URL] != 2 || pool.successes[proxySrv.URL] != 1 {
		t.Errorf("expected 2 failures and 1 success, got %d/%d", pool.failures[proxySrv.URL], pool.successes[proxySrv.URL])
	}

	// 每次 429 之后: 专用等待, 然后通用等待
	if len(sleeps.delays) != 4 {
		t.Fatalf("expected 4 sleeps, got %v", sleeps.delays)
	}
	if sleeps.delays[0] != 5*time.Second || sleeps.delays[2] != 15*time.Second {
		t.Errorf("unexpected rate limit waits %v", sleeps.delays)
	}
	if g := sleeps.delays[1]; g < 2*time.Second || g >= 3*time.Second {
		t.Errorf("first generic wait %v out of range [2s, 3s)", g)
	}
	if g := sleeps.delays[3]; g < 3*time.Second || g >= 4*time.Second {
		t.Errorf("second generic wait %v out of range [3s, 4s)", g)
	}

	if len(obs.attempts) != 3 {
		t.Fatalf("expected 3 observed attempts, got %d", len(obs.attempts))
	}
	wantOutcomes := []Outcome{OutcomeRateLimited, OutcomeRateLimited, OutcomeSuccess}
	for i, a := range obs.attempts {
		if a.Outcome != wantOutcomes[i] || a.Index != i || a.Proxy != proxySrv.URL {
			t.Errorf("attempt %d: unexpected %+v", i, a)
		}
	}
	if obs.attempts[2].Delay != 0 {
		t.Errorf("a successful attempt schedules no delay, got %v", obs.attempts[2].Delay)
	}
}

func TestFetch_ExhaustedOnServerErrors(t *testing.T) {
	proxySrv, hits := scriptedProxy(t, 500, 500, 500, 500, 500)
	defer proxySrv.Close()

	pool := newMockPool(proxySrv.URL)
	sleeps := &recordedSleeps{}
	f, err := New(testFetchConf(), WithProxyPool(pool), WithSleeper(sleeps.sleep))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	_, err = f.Fetch(context.Background(), "http://target.example/")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected exactly retry_limit=3 attempts, got %d", hits.Load())
	}
	if pool.failures[proxySrv.URL] != 3 {
		t.Errorf("expected one failure report per attempt, got %d", pool.failures[proxySrv.URL])
	}
	// 最后一次尝试之后不再等待
	if len(sleeps.delays) != 2 {
		t.Errorf("expected 2 generic sleeps, got %v", sleeps.delays)
	}
}

func TestFetch_ForbiddenUsesFixedWait(t *testing.T) {
	proxySrv, _ := scriptedProxy(t, http.StatusForbidden)
	defer proxySrv.Close()

	sleeps := &recordedSleeps{}
	f, err := New(testFetchConf(),
		WithProxyPool(newMockPool(proxySrv.URL)),
		WithSleeper(sleeps.sleep),
		WithRand(rand.New(rand.NewSource(3))),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	if _, err := f.Fetch(context.Background(), "http://target.example/"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(sleeps.delays) != 2 || sleeps.delays[0] != 2*time.Second {
		t.Errorf("expected a 2s forbidden wait then a generic wait, got %v", sleeps.delays)
	}
}

func TestFetch_TransportErrorReportsFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := "http://" + ln.Addr().String()
	ln.Close()

	conf := testFetchConf()
	conf.RetryLimit = 2
	pool := newMockPool(dead)
	obs := &recordingObserver{}
	f, err := New(conf, WithProxyPool(pool), WithSleeper((&recordedSleeps{}).sleep), WithObserver(obs))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	_, err = f.Fetch(context.Background(), "http://target.example/")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if pool.failures[dead] != 2 {
		t.Errorf("expected 2 failure reports, got %d", pool.failures[dead])
	}
	for _, a := range obs.attempts {
		if a.Outcome != OutcomeTransportError || a.Error == "" {
			t.Errorf("expected a transport error attempt, got %+v", a)
		}
	}
}

func TestFetch_DirectWithoutProxy(t *testing.T) {
	var gotHeader, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Test")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("caf\xe9"))
	}))
	defer srv.Close()

	pool := newMockPool("")
	f, err := New(testFetchConf(), WithProxyPool(pool), WithUserAgents(useragent.New("test-agent/1.0")))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if body != "café" {
		t.Errorf("body should be decoded to UTF-8, got %q", body)
	}
	if gotHeader != "yes" {
		t.Errorf("configured headers should be sent, got %q", gotHeader)
	}
	if gotUA != "test-agent/1.0" {
		t.Errorf("unexpected User-Agent %q", gotUA)
	}
	if len(pool.successes) != 0 || len(pool.failures) != 0 {
		t.Error("a direct request must not be reported to the pool")
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	conf := testFetchConf()
	conf.MaxBodyBytes = 10
	f, err := New(conf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(body) != 10 {
		t.Errorf("expected body truncated to 10 bytes, got %d", len(body))
	}
}

func TestFetch_CancelledContextIsNotBlamedOnProxy(t *testing.T) {
	proxySrv, _ := scriptedProxy(t)
	defer proxySrv.Close()

	pool := newMockPool(proxySrv.URL)
	f, err := New(testFetchConf(), WithProxyPool(pool))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "http://target.example/")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if pool.failures[proxySrv.URL] != 0 {
		t.Errorf("cancellation must not be reported as a proxy failure, got %d", pool.failures[proxySrv.URL])
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	f, err := New(testFetchConf())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	for _, u := range []string{"", "ftp://example.com/", "not a url", "http://"} {
		if _, err := f.Fetch(context.Background(), u); err == nil || errors.Is(err, ErrExhausted) {
			t.Errorf("Fetch(%q): expected an invalid url error, got %v", u, err)
		}
	}
}

func TestFetch_AfterClose(t *testing.T) {
	f, err := New(testFetchConf())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := f.Fetch(context.Background(), "http://example.com/"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFetch_SharedSessionUnderConcurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	defer srv.Close()

	f, err := New(testFetchConf())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	var wg sync.WaitGroup
	clients := make(chan *http.Client, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.session()
			if err != nil {
				t.Errorf("session: %v", err)
				return
			}
			clients <- c
			path := fmt.Sprintf("/p%d", i)
			if body, err := f.Fetch(context.Background(), srv.URL+path); err != nil || body != path {
				t.Errorf("Fetch(%s) = %q, %v", path, body, err)
			}
		}(i)
	}
	wg.Wait()
	close(clients)

	var first *http.Client
	for c := range clients {
		if first == nil {
			first = c
		}
		if c != first {
			t.Fatal("all concurrent fetches must share one session")
		}
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	bad := []types.FetchConf{
		{TimeoutSeconds: 0, RetryLimit: 3},
		{TimeoutSeconds: 5, RetryLimit: 0},
		{TimeoutSeconds: 5, RetryLimit: 3, RetryDelaySeconds: -1},
	}
	for _, c := range bad {
		if _, err := New(c); err == nil {
			t.Errorf("New(%+v) should fail", c)
		}
	}
}

func TestFetch_RequestsPerSecondSpacesAttempts(t *testing.T) {
	proxySrv, hits := scriptedProxy(t, 500, 500)
	defer proxySrv.Close()

	conf := testFetchConf()
	conf.RequestsPerSecond = 20 // 每 50ms 一个令牌, burst 1
	pool := newMockPool(proxySrv.URL)
	sleeps := &recordedSleeps{}
	f, err := New(conf, WithProxyPool(pool), WithSleeper(sleeps.sleep))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	start := time.Now()
	if _, err := f.Fetch(context.Background(), "http://target.example/"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", hits.Load())
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 attempts at 20 rps should take at least 100ms, took %v", elapsed)
	}
}

func TestFetch_CancelledWhileRateLimited(t *testing.T) {
	pool := newMockPool("http://127.0.0.1:1")
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	lim.Allow()
	f, err := New(testFetchConf(), WithProxyPool(pool), WithLimiter(lim))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = f.Fetch(ctx, "http://target.example/")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if pool.gets != 0 || len(pool.failures) != 0 {
		t.Errorf("no proxy should be used or blamed, got %d gets and failures %v", pool.gets, pool.failures)
	}

	// deadline 早于下一个令牌时立即返回
	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	if _, err := f.Fetch(dctx, "http://target.example/"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if len(pool.failures) != 0 {
		t.Errorf("deadline must not be blamed on the proxy, got %v", pool.failures)
	}
}

func TestFetch_CustomPolicies(t *testing.T) {
	proxySrv, _ := scriptedProxy(t, http.StatusBadGateway)
	defer proxySrv.Close()

	sleeps := &recordedSleeps{}
	f, err := New(testFetchConf(),
		WithProxyPool(newMockPool(proxySrv.URL)),
		WithSleeper(sleeps.sleep),
		WithPolicies(Policies{
			Specific: map[Outcome]DelayPolicy{OutcomeHTTPError: FixedBackoff{Wait: 7 * time.Second}},
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	if _, err := f.Fetch(context.Background(), "http://target.example/"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	// 没有通用策略时 generic 为 0, sleepCtx 仍会被调用一次
	if len(sleeps.delays) != 2 || sleeps.delays[0] != 7*time.Second || sleeps.delays[1] != 0 {
		t.Errorf("unexpected waits %v", sleeps.delays)
	}
}
