package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"proxyfetch/crawler"
	"proxyfetch/fetcher"
	"proxyfetch/internal/service/web"
	"proxyfetch/internal/shared/config"
	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/types"
	"proxyfetch/internal/shared/useragent"
	"proxyfetch/parser"
	manager "proxyfetch/proxypool"
	"proxyfetch/proxypool/source"
	"proxyfetch/proxypool/validator"
	"proxyfetch/storage"
	"proxyfetch/storage/pebble"
	"proxyfetch/storage/sqlstore"
)

// App 把配置装配成可运行的组件: 代理池、抓取器、监控服务与存储。
type App struct {
	cfg *types.Config

	agents    *useragent.Pool
	validator *validator.Validator
	manager   *manager.Manager
	fetcher   *fetcher.Fetcher
	hub       *web.Hub
	web       *web.Server

	hubCancel context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New validates cfg and builds every component. Nothing is started yet.
func New(cfg *types.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg, agents: useragent.New(), hub: web.NewHub()}
	p := cfg.ProxyPoolConf
	a.validator = validator.NewValidator(
		time.Duration(p.ValidateTimeoutSeconds)*time.Second,
		p.ValidateConcurrency,
		a.agents,
	)

	sources, err := BuildSources(p, a.agents, a.validator)
	if err != nil {
		return nil, err
	}
	a.manager = manager.NewManager(p, sources)

	a.fetcher, err = fetcher.New(cfg.FetchConf,
		fetcher.WithProxyPool(a.manager),
		fetcher.WithUserAgents(a.agents),
		fetcher.WithObserver(a.hub),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// BuildSources 根据 [proxypool] 段构造候选源。validate_sources 打开时,
// 抓取得到的候选地址先经过验证; static_proxies 由用户提供, 不做验证。
func BuildSources(conf types.ProxyPoolConf, agents *useragent.Pool, v *validator.Validator) ([]source.Source, error) {
	var scraped []source.Source
	for _, name := range conf.Sources {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case "free-proxy-list":
			s := source.FreeProxyList(conf.Country, false)
			s.Agents = agents
			scraped = append(scraped, s)
		case "ip3366":
			s := source.IP3366()
			s.Agents = agents
			scraped = append(scraped, s)
		case "proxydb":
			s := source.ProxyDB()
			s.Agents = agents
			scraped = append(scraped, s)
		case "proxy-list-download":
			s := source.ProxyListDownload()
			s.Agents = agents
			scraped = append(scraped, s)
		case "kuaidaili":
			scraped = append(scraped, source.Kuaidaili())
		default:
			return nil, fmt.Errorf("unknown proxy source %q", name)
		}
	}
	if urls := nonEmpty(conf.TextListURLs); len(urls) > 0 {
		scraped = append(scraped, source.TextList("text-list", urls, conf.TextListProto))
	}

	sources := make([]source.Source, 0, len(scraped)+1)
	for _, s := range scraped {
		if conf.ValidateSources && v != nil {
			s = &source.ValidatedSource{Inner: s, Validator: v, CheckURL: conf.CheckURL}
		}
		sources = append(sources, s)
	}
	if static := nonEmpty(conf.StaticProxies); len(static) > 0 {
		sources = append(sources, source.NewStaticSource("static", static))
	}
	return sources, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Start 启动后台刷新 (如果配置了)、监控 hub 与 web 服务。
func (a *App) Start() error {
	l := logger.WithComponent("App")

	ctx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	a.waitGroup.Add(1)
	go func() {
		defer a.waitGroup.Done()
		a.hub.Run(ctx)
	}()

	if a.cfg.ProxyPoolConf.BackgroundRefresh {
		if err := a.manager.Start(); err != nil {
			return err
		}
	}

	srv, err := web.StartServer(&a.waitGroup, a.cfg.WebConf, a.manager, a.hub)
	if err != nil {
		return err
	}
	a.web = srv
	l.Info().Bool("background_refresh", a.cfg.ProxyPoolConf.BackgroundRefresh).Int("sources", len(a.cfg.ProxyPoolConf.Sources)).Msg("Started.")
	return nil
}

// Stop 停止所有组件, 可重复调用。
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		l := logger.WithComponent("App")
		a.manager.Stop()
		_ = a.fetcher.Close()
		if a.web != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.web.Shutdown(ctx); err != nil {
				l.Warn().Err(err).Msg("Web server shutdown failed.")
			}
			cancel()
		}
		if a.hubCancel != nil {
			a.hubCancel()
		}
		a.waitGroup.Wait()
		l.Info().Msg("Stopped.")
	})
}

func (a *App) Manager() *manager.Manager { return a.manager }

func (a *App) Fetcher() *fetcher.Fetcher { return a.fetcher }

func (a *App) Validator() *validator.Validator { return a.validator }

func (a *App) Config() *types.Config { return a.cfg }

// NewOrchestrator returns a crawler bound to this app's fetcher.
func (a *App) NewOrchestrator(p parser.Parser) *crawler.Orchestrator {
	return crawler.New(a.fetcher, p, a.cfg.FetchConf.ConcurrencyLimit)
}

// OpenStorage 打开 [storage] 段指定的存储后端。返回的 Closer 不为 nil。
func OpenStorage(ctx context.Context, conf types.StorageConf) (storage.Storage, io.Closer, error) {
	switch strings.ToLower(conf.Driver) {
	case "", "csv":
		s, err := storage.NewCSVStorage(conf.Path, conf.Mode, nonEmpty(conf.Fields)...)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "pebble":
		s, err := pebble.Open(conf.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := sqlstore.Open(ctx, conf.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", conf.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
