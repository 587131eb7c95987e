package source

import (
	"context"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/proxypool/validator"
)

// StaticSource 返回一组固定的代理地址, 例如配置文件中的 static_proxies。
type StaticSource struct {
	name  string
	addrs []string
}

// NewStaticSource normalizes addrs; invalid entries are logged and dropped.
func NewStaticSource(name string, addrs []string) *StaticSource {
	l := logger.WithComponent("ProxyPool/Source")
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		n, err := Normalize(a, "http")
		if err != nil {
			l.Warn().Err(err).Str("proxy", a).Str("source", name).Msg("Invalid proxy format, skipping.")
			continue
		}
		out = append(out, n)
	}
	return &StaticSource{name: name, addrs: dedupe(out)}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) FetchCandidates(ctx context.Context) ([]string, error) {
	return append([]string(nil), s.addrs...), nil
}

// ValidatedSource 在返回之前用 Validator 过滤内层源的候选地址。
type ValidatedSource struct {
	Inner     Source
	Validator *validator.Validator
	CheckURL  string
}

func (s *ValidatedSource) Name() string { return s.Inner.Name() }

func (s *ValidatedSource) FetchCandidates(ctx context.Context) ([]string, error) {
	raw, err := s.Inner.FetchCandidates(ctx)
	if err != nil {
		return nil, err
	}
	valid := s.Validator.Validate(ctx, raw, s.CheckURL)
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Int("valid", len(valid)).Int("scraped", len(raw)).Msg("Validated candidates.")
	return valid, nil
}
