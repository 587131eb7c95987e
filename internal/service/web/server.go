package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/types"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux 注册所有路由。/api/status 公开, 其余路由在配置了账号时需要认证。
func NewMux(conf types.WebConf, pool PoolView, hub *Hub) *http.ServeMux {
	handler := NewHandler(pool, hub)
	mux := http.NewServeMux()

	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), conf.User, conf.Password))
	mux.Handle("/ws", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}), conf.User, conf.Password))

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)
	return mux
}

// Server 是监控页面的 HTTP 服务。
type Server struct {
	srv  *http.Server
	addr string
}

// StartServer 在 conf.Port 上启动监控服务。Port <= 0 时返回 nil, nil。
func StartServer(wg *sync.WaitGroup, conf types.WebConf, pool PoolView, hub *Hub) (*Server, error) {
	l := logger.WithComponent("Web")
	if conf.Port <= 0 {
		l.Info().Msg("Web monitor is disabled (port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", conf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web monitor on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           NewMux(conf, pool, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr: listener.Addr().String(),
	}
	l.Info().Msgf("SUCCESS: Web monitor is listening on http://%s", s.addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
