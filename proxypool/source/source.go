package source

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Source 接口定义了从代理源获取候选代理地址的行为。
type Source interface {
	// FetchCandidates 返回未经验证的代理地址, 形如 "http://1.2.3.4:8080"。
	// 失败只影响本源, 不会中断整个刷新周期。
	FetchCandidates(ctx context.Context) ([]string, error)

	// Name 返回源的名称，用于日志记录。
	Name() string
}

// Normalize turns "ip:port" (or an address that already has a scheme) into
// "scheme://ip:port". It rejects empty hosts and out-of-range ports.
func Normalize(addr, scheme string) (string, error) {
	addr = strings.TrimSpace(addr)
	if scheme == "" {
		scheme = "http"
	}
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme = strings.ToLower(addr[:i])
		addr = addr[i+3:]
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid proxy address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid proxy port %q", portStr)
	}
	if host == "" {
		return "", fmt.Errorf("invalid proxy address %q: empty host", addr)
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, portStr)), nil
}

// dedupe keeps the first occurrence of every address.
func dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
