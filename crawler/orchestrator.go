package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/parser"
	"proxyfetch/storage"
)

const defaultConcurrency = 5

// Fetcher 是 Orchestrator 对单 URL 抓取的依赖, 由 fetcher.Fetcher 实现。
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Orchestrator 在并发上限内对一批 URL 执行抓取与解析。
type Orchestrator struct {
	fetcher     Fetcher
	parser      parser.Parser
	concurrency int
}

// Summary 描述一次 Run 的结果。
type Summary struct {
	RunID     uuid.UUID     `json:"run_id"`
	URLs      int           `json:"urls"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Records   int           `json:"records"`
	Elapsed   time.Duration `json:"elapsed"`
}

// New creates an Orchestrator. concurrency <= 0 uses the default of 5.
func New(f Fetcher, p parser.Parser, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Orchestrator{fetcher: f, parser: p, concurrency: concurrency}
}

type pageResult struct {
	records []parser.Record
	ok      bool
}

// FetchAndParseAll 返回覆盖所有输入 URL 的映射。抓取失败、解析出错或解析器 panic
// 的 URL 对应空切片, 不影响其他 URL。重复的 URL 只抓取一次。
func (o *Orchestrator) FetchAndParseAll(ctx context.Context, urls []string) map[string][]parser.Record {
	results := o.fetchAll(ctx, urls)
	out := make(map[string][]parser.Record, len(results))
	for u, r := range results {
		out[u] = r.records
	}
	return out
}

func (o *Orchestrator) fetchAll(ctx context.Context, urls []string) map[string]pageResult {
	var (
		mu      sync.Mutex
		results = make(map[string]pageResult, len(urls))
	)
	for _, u := range urls {
		results[u] = pageResult{records: []parser.Record{}}
	}

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		u := u
		g.Go(func() error {
			r := o.fetchOne(ctx, u)
			mu.Lock()
			results[u] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) fetchOne(ctx context.Context, u string) pageResult {
	l := logger.WithComponent("Crawler")
	empty := pageResult{records: []parser.Record{}}

	html, err := o.fetcher.Fetch(ctx, u)
	if err != nil {
		l.Warn().Err(err).Str("url", u).Msg("Fetch failed, no records for this URL.")
		return empty
	}

	records, err := o.parse(html, u)
	if err != nil {
		l.Error().Err(err).Str("url", u).Msg("Parser failed, no records for this URL.")
		return pageResult{records: []parser.Record{}, ok: true}
	}
	if records == nil {
		records = []parser.Record{}
	}
	l.Debug().Str("url", u).Int("records", len(records)).Msg("Parsed page.")
	return pageResult{records: records, ok: true}
}

func (o *Orchestrator) parse(html, u string) (records []parser.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return o.parser.Parse(html, u)
}

// Run 抓取并解析所有 URL, 然后把全部记录按输入顺序一次性写入 sink。
// 只有 sink 的错误会被返回; 没有任何记录时不调用 sink。
func (o *Orchestrator) Run(ctx context.Context, urls []string, sink storage.Storage) (Summary, error) {
	l := logger.WithComponent("Crawler")
	start := time.Now()
	sum := Summary{RunID: uuid.New()}
	l.Info().Str("run_id", sum.RunID.String()).Int("urls", len(urls)).Int("concurrency", o.concurrency).Msg("Run started.")

	results := o.fetchAll(ctx, urls)
	sum.URLs = len(results)

	var all []parser.Record
	done := make(map[string]struct{}, len(results))
	for _, u := range urls {
		if _, dup := done[u]; dup {
			continue
		}
		done[u] = struct{}{}
		r := results[u]
		if r.ok {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		all = append(all, r.records...)
	}
	sum.Records = len(all)

	if len(all) > 0 && sink != nil {
		if err := sink.Save(ctx, all); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, fmt.Errorf("save records: %w", err)
		}
	}
	sum.Elapsed = time.Since(start)

	l.Info().Str("run_id", sum.RunID.String()).Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).Int("records", sum.Records).Dur("elapsed", sum.Elapsed).Msg("Run finished.")
	return sum, nil
}
