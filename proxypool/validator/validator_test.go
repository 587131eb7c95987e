package validator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// forwardProxy 是一个最小的 HTTP 正向代理: 收到绝对 URL 的请求后直接回应 status。
func forwardProxy(t *testing.T, status int, delay time.Duration, inflight, peak *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inflight != nil {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		}
		if !strings.HasPrefix(r.RequestURI, "http://") {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
	}))
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestValidate_FiltersFailingCandidates(t *testing.T) {
	ok := forwardProxy(t, http.StatusOK, 0, nil, nil)
	defer ok.Close()
	denied := forwardProxy(t, http.StatusForbidden, 0, nil, nil)
	defer denied.Close()

	good := ok.URL
	candidates := []string{
		good,
		denied.URL,
		"http://" + closedAddr(t),
		"ftp://1.2.3.4:21",
		good, // duplicate
	}

	v := NewValidator(2*time.Second, 4, nil)
	valid := v.Validate(context.Background(), candidates, "http://check.example/")
	if len(valid) != 1 || valid[0] != good {
		t.Errorf("expected only %s to pass, got %v", good, valid)
	}
}

func TestValidate_Empty(t *testing.T) {
	v := NewValidator(time.Second, 2, nil)
	if got := v.Validate(context.Background(), nil, "http://check.example/"); len(got) != 0 {
		t.Errorf("expected no results, got %v", got)
	}
}

func TestValidate_Timeout(t *testing.T) {
	slow := forwardProxy(t, http.StatusOK, 500*time.Millisecond, nil, nil)
	defer slow.Close()

	v := NewValidator(100*time.Millisecond, 2, nil)
	if got := v.Validate(context.Background(), []string{slow.URL}, "http://check.example/"); len(got) != 0 {
		t.Errorf("a proxy slower than the timeout must be rejected, got %v", got)
	}
}

func TestValidate_ConcurrencyCap(t *testing.T) {
	var inflight, peak atomic.Int32
	const limit = 3

	var servers []*httptest.Server
	var candidates []string
	for i := 0; i < 10; i++ {
		s := forwardProxy(t, http.StatusOK, 50*time.Millisecond, &inflight, &peak)
		servers = append(servers, s)
		candidates = append(candidates, s.URL)
	}
	defer func() {
		for _, s := range servers {
			s.Close()
		}
	}()

	v := NewValidator(2*time.Second, limit, nil)
	valid := v.Validate(context.Background(), candidates, "http://check.example/")
	if len(valid) != len(candidates) {
		t.Errorf("expected all %d candidates to pass, got %d", len(candidates), len(valid))
	}
	if p := peak.Load(); p > limit {
		t.Errorf("at most %d probes may run at once, saw %d", limit, p)
	}

	sort.Strings(valid)
	sort.Strings(candidates)
	for i := range valid {
		if valid[i] != candidates[i] {
			t.Fatalf("unexpected result set %v", valid)
		}
	}
}

func TestValidate_CancelledContext(t *testing.T) {
	s := forwardProxy(t, http.StatusOK, 0, nil, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewValidator(time.Second, 1, nil)
	if got := v.Validate(ctx, []string{s.URL, "http://" + closedAddr(t)}, "http://check.example/"); len(got) != 0 {
		t.Errorf("a cancelled validation should not report valid proxies, got %v", got)
	}
}
