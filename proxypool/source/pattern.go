package source

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxyfetch/internal/shared/logger"
)

var (
	// ip:port, 用于纯文本列表
	hostPortPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})\b`)
	// kuaidaili 把代理放在页面 JS 变量 fpsList 的 JSON 里
	kuaidailiPattern = regexp.MustCompile(`"ip"\s*:\s*"([\d.]+)"\s*,\s*"port"\s*:\s*"?(\d+)"?`)
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// PatternSource 用 colly 抓取页面, 再用正则从原始响应体中提取 host/port 对。
// Pattern 必须有两个分组: host 与 port。
type PatternSource struct {
	SourceName string
	URLs       []string
	Pattern    *regexp.Regexp
	Scheme     string
	Timeout    time.Duration
	UserAgent  string
}

// TextList 抓取每行一个 "ip:port" 的纯文本代理列表。
func TextList(name string, urls []string, scheme string) *PatternSource {
	return &PatternSource{
		SourceName: name,
		URLs:       urls,
		Pattern:    hostPortPattern,
		Scheme:     scheme,
	}
}

// Kuaidaili 抓取 www.kuaidaili.com 的国内高匿与普通代理各两页。
func Kuaidaili() *PatternSource {
	var urls []string
	for _, kind := range []string{"intr", "inha"} {
		for i := 1; i <= 2; i++ {
			urls = append(urls, fmt.Sprintf("https://www.kuaidaili.com/free/%s/%d/", kind, i))
		}
	}
	return &PatternSource{
		SourceName: "kuaidaili.com",
		URLs:       urls,
		Pattern:    kuaidailiPattern,
		Scheme:     "http",
	}
}

func (s *PatternSource) Name() string {
	return s.SourceName
}

// FetchCandidates 依次访问所有 URL。每次调用使用新的 collector, 回调不会累积。
func (s *PatternSource) FetchCandidates(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	ua := s.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	var (
		mu        sync.Mutex
		proxies   []string
		okPages   int
		scrapeErr error
	)

	c.OnResponse(func(r *colly.Response) {
		matches := s.Pattern.FindAllSubmatch(r.Body, -1)
		mu.Lock()
		defer mu.Unlock()
		okPages++
		if len(matches) == 0 {
			l.Warn().Str("url", r.Request.URL.String()).Str("source", s.Name()).Msg("No proxies found in response body.")
			return
		}
		for _, m := range matches {
			addr, err := Normalize(string(m[1])+":"+string(m[2]), s.Scheme)
			if err != nil {
				l.Debug().Err(err).Str("source", s.Name()).Msg("Failed to parse port, skipping.")
				continue
			}
			proxies = append(proxies, addr)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Str("source", s.Name()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for _, u := range s.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.Debug().Str("url", u).Msg("Visiting page...")
		if err := c.Visit(u); err != nil {
			mu.Lock()
			if scrapeErr == nil {
				scrapeErr = err
			}
			mu.Unlock()
		}
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if okPages == 0 && scrapeErr != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), scrapeErr)
	}
	proxies = dedupe(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
