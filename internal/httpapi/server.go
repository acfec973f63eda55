package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "notibridge/internal/runtime/supervisor"
	logx "notibridge/pkg/logx"
)

const defaultAddr = "127.0.0.1:8765"

type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	// Insecure marks a non-loopback bind without a bearer secret; it is
	// allowed but logged.
	Insecure bool
}

// Server owns the listener. Serve errors restart it with backoff.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	srv   *http.Server
	bound chan string
	addr  string
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: h, log: log.With(logx.String("comp", "http")), bound: make(chan string, 1)}
}

// Start binds and serves in the background. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if s.cfg.Insecure && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("http api exposed on non-loopback addr without bearer auth", logx.String("addr", s.cfg.Addr))
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Addr waits for the first successful bind and returns the listen address.
func (s *Server) Addr(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.addr != "" {
		a := s.addr
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()
	select {
	case a := <-s.bound:
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if err != nil {
			_ = srv.Close()
		}
	}
	if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.log.Info("http stopped")
	return err
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := ln.Addr().String()
	s.mu.Lock()
	s.srv = srv
	first := s.addr == ""
	s.addr = addr
	s.mu.Unlock()
	if first {
		s.bound <- addr
	}
	s.log.Info("http started", logx.String("addr", addr))

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost":
		return true
	case "":
		// ":8765" binds every interface.
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
