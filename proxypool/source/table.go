package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/useragent"
)

// TableSource 抓取以 HTML 表格形式列出代理的网站。
type TableSource struct {
	SourceName  string
	URLs        []string
	RowSelector string
	IPColumn    int
	PortColumn  int

	// Scheme 根据一行的单元格决定代理协议, nil 时为 "http"。
	Scheme func(cells []string) string
	// Keep 过滤行, nil 时保留所有行。
	Keep func(cells []string) bool

	PageDelay time.Duration
	Client    *http.Client
	Agents    *useragent.Pool
}

// FreeProxyList 抓取 free-proxy-list.net。country 可以是国家代码或名称, 为空时不过滤。
func FreeProxyList(country string, httpsOnly bool) *TableSource {
	return &TableSource{
		SourceName:  "free-proxy-list.net",
		URLs:        []string{"https://free-proxy-list.net/"},
		RowSelector: "table.table-striped tbody tr, .table-responsive tbody tr",
		IPColumn:    0,
		PortColumn:  1,
		Keep: func(cells []string) bool {
			if len(cells) < 7 {
				return false
			}
			if country != "" && !strings.EqualFold(cells[2], country) && !strings.EqualFold(cells[3], country) {
				return false
			}
			return !httpsOnly || strings.EqualFold(cells[6], "yes")
		},
	}
}

// IP3366 抓取 www.ip3366.net 的免费代理, 该站只有 HTTP 代理。
func IP3366() *TableSource {
	return &TableSource{
		SourceName:  "ip3366.net",
		URLs:        []string{"http://www.ip3366.net/?stype=1&page=1"},
		RowSelector: "table.table-bordered tbody tr",
		IPColumn:    0,
		PortColumn:  1,
		Keep: func(cells []string) bool {
			return len(cells) > 3 && strings.Contains(strings.ToUpper(cells[3]), "HTTP")
		},
		PageDelay: 2 * time.Second,
	}
}

// ProxyDB 抓取 proxydb.net 的前 3 页, 分页通过 offset 参数控制, 每次递增 15。
func ProxyDB() *TableSource {
	urls := make([]string, 0, 3)
	for offset := 0; offset <= 30; offset += 15 {
		urls = append(urls, fmt.Sprintf("https://proxydb.net/?protocol=http&protocol=https&protocol=socks5&offset=%d", offset))
	}
	return &TableSource{
		SourceName:  "proxydb.net",
		URLs:        urls,
		RowSelector: "tbody tr",
		IPColumn:    0,
		PortColumn:  1,
		Scheme: func(cells []string) string {
			if len(cells) > 2 && strings.EqualFold(cells[2], "socks5") {
				return "socks5"
			}
			return "http"
		},
		PageDelay: 2 * time.Second,
	}
}

// ProxyListDownload 抓取 www.proxy-list.download 的 HTTP 列表。
func ProxyListDownload() *TableSource {
	return &TableSource{
		SourceName:  "proxy-list.download",
		URLs:        []string{"https://www.proxy-list.download/HTTP"},
		RowSelector: "table#example1 tbody#tabli tr",
		IPColumn:    0,
		PortColumn:  1,
	}
}

func (s *TableSource) Name() string {
	return s.SourceName
}

// FetchCandidates 依次抓取每个页面。单页失败只记日志, 所有页面都失败时返回错误。
func (s *TableSource) FetchCandidates(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	agents := s.Agents
	if agents == nil {
		agents = useragent.New()
	}

	var (
		proxies []string
		lastErr error
		okPages int
	)
	for i, pageURL := range s.URLs {
		if i > 0 && s.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return dedupe(proxies), ctx.Err()
			case <-time.After(s.PageDelay):
			}
		}
		l.Debug().Str("url", pageURL).Str("source", s.Name()).Msg("Scraping page...")

		found, err := s.scrapePage(ctx, client, agents.Random(), pageURL)
		if err != nil {
			l.Warn().Err(err).Str("url", pageURL).Str("source", s.Name()).Msg("Failed to scrape page.")
			lastErr = err
			continue
		}
		okPages++
		proxies = append(proxies, found...)
	}
	if okPages == 0 && lastErr != nil {
		return nil, fmt.Errorf("%s: all pages failed: %w", s.Name(), lastErr)
	}

	proxies = dedupe(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func (s *TableSource) scrapePage(ctx context.Context, client *http.Client, ua, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d)", resp.StatusCode)
	}
	return s.parse(resp.Body)
}

// parse 从表格中提取代理地址。
func (s *TableSource) parse(r io.Reader) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Source")
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}

	var proxies []string
	doc.Find(s.RowSelector).Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		if len(cells) <= s.IPColumn || len(cells) <= s.PortColumn {
			return
		}
		if s.Keep != nil && !s.Keep(cells) {
			return
		}
		scheme := "http"
		if s.Scheme != nil {
			scheme = s.Scheme(cells)
		}
		addr, err := Normalize(cells[s.IPColumn]+":"+cells[s.PortColumn], scheme)
		if err != nil {
			l.Debug().Err(err).Str("source", s.Name()).Msg("Failed to parse IP/port, skipping row.")
			return
		}
		proxies = append(proxies, addr)
	})
	return proxies, nil
}
