package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/transport"
	"proxyfetch/internal/shared/useragent"
)

// Validator 通过代理请求一个已知可用的检查 URL 来筛选候选代理。
type Validator struct {
	timeout     time.Duration
	concurrency int
	agents      *useragent.Pool
}

func NewValidator(timeout time.Duration, concurrency int, agents *useragent.Pool) *Validator {
	if concurrency <= 0 {
		concurrency = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if agents == nil {
		agents = useragent.New()
	}
	return &Validator{
		timeout:     timeout,
		concurrency: concurrency,
		agents:      agents,
	}
}

// Validate 并发探测每个候选代理, 只返回在超时内以 2xx 响应的那部分。
// 探测失败是预期情况, 不作为错误上报; 返回顺序不固定。
func (v *Validator) Validate(ctx context.Context, candidates []string, checkURL string) []string {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(candidates) == 0 {
		return nil
	}
	l.Info().Int("count", len(candidates)).Int("concurrency", v.concurrency).Str("check_url", checkURL).Msg("Starting validation batch...")

	sem := semaphore.NewWeighted(int64(v.concurrency))
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		valid = make([]string, 0, len(candidates))
		seen  = make(map[string]struct{}, len(candidates))
	)

	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}

		if err := sem.Acquire(ctx, 1); err != nil {
			l.Warn().Err(err).Msg("Validation cancelled, returning partial result.")
			break
		}
		wg.Add(1)
		go func(candidate string) {
			defer wg.Done()
			defer sem.Release(1)

			if err := v.probe(ctx, candidate, checkURL); err != nil {
				l.Debug().Err(err).Str("proxy", candidate).Msg("Proxy failed validation.")
				return
			}
			l.Debug().Str("proxy", candidate).Msg("Valid proxy.")
			mu.Lock()
			valid = append(valid, candidate)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	l.Info().Int("valid", len(valid)).Int("total", len(candidates)).Msg("Validation batch finished.")
	return valid
}

// probe 通过 candidate 发送一次 GET checkURL。
func (v *Validator) probe(ctx context.Context, candidate, checkURL string) error {
	proxyURL, err := transport.ParseProxy(candidate)
	if err != nil {
		return err
	}
	tr, err := transport.ForProxy(proxyURL, transport.Options{
		Timeout:            v.timeout,
		DisableKeepAlives:  true,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer tr.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", v.agents.Random())

	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}
