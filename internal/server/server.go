// Package server exposes the admin HTTP API: alarm CRUD plus a status view.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"alarmd/internal/sched"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// Config controls the optional admin HTTP server.
//
// Prefer binding to localhost; the API carries no auth of its own.
type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// CORSOrigins lists allowed origins for browser clients. Empty means no
	// cross-origin access.
	CORSOrigins []string
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	store storage.Store
	sched *sched.Service

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, store storage.Store, sc *sched.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, sched: sc, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}

	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8094"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  orDefault(s.cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(s.cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  orDefault(s.cfg.IdleTimeout, 60*time.Second),
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", logx.Err(err))
		}
	}()
	s.log.Info("admin server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("admin server stopped")
}

// Addr reports the bound address, useful when Addr was ":0".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
