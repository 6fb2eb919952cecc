// Package httpapi serves the operator REST API and the live event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"promosched/internal/auth"
	"promosched/internal/eventbus"
	"promosched/internal/gateway"
	"promosched/internal/message"
	rtsup "promosched/internal/runtime/supervisor"
	logx "promosched/pkg/logx"
)

const (
	DefaultAddr         = ":3001"
	DefaultMaxBodyBytes = 10 << 20
	DefaultKeepAlive    = 25 * time.Second
)

type Config struct {
	Addr         string
	CORSOrigins  []string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// Store is the record store as seen by the API.
type Store interface {
	Add(ctx context.Context, d message.Draft) message.Message
	Remove(ctx context.Context, id string) bool
	Get(id string) (message.Message, bool)
	All() []message.Message
	Len() int
}

type Scheduler interface {
	ScheduleMessage(m message.Message) error
	CancelMessage(ctx context.Context, id string) bool
	RescheduleAllPending(ctx context.Context) (armed, expired int)
	ScheduledJobs() []message.Job
	Pending() int
}

type Authenticator interface {
	Login(username, password string) (auth.Session, error)
	Session(token string) (auth.Session, error)
	Logout(token string)
}

// Notifier broadcasts observer events; its bus feeds the SSE stream.
type Notifier interface {
	Broadcast(event string, payload any)
	Bus() eventbus.Bus
}

type Deps struct {
	Store     Store
	Scheduler Scheduler
	Gateway   gateway.Gateway
	Auth      Authenticator
	Notifier  Notifier
}

// Server owns the HTTP listener. Start, Stop and Reconfigure are safe for
// concurrent use; the handler is rebuilt on every Reconfigure.
type Server struct {
	log  logx.Logger
	deps Deps

	handler atomic.Pointer[http.Handler]

	mu       sync.Mutex
	cfg      Config
	sup      *rtsup.Supervisor
	srv      *http.Server
	addr     string
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:  log.With(logx.String("comp", "http")),
		deps: deps,
		cfg:  cfg.withDefaults(),
	}
	s.rebuild(s.cfg)
	return s
}

// Handler returns the current gin engine (tests, embedding).
func (s *Server) Handler() http.Handler { return *s.handler.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.handler.Load()).ServeHTTP(w, r)
}

func (s *Server) rebuild(cfg Config) {
	var h http.Handler = s.routes(cfg)
	s.handler.Store(&h)
}

// Addr is the bound listen address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in a restarting goroutine. It is a
// no-op when already running.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cfg := s.cfg
		s.mu.Unlock()

		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", cfg.Addr, err)
		}
		sup := rtsup.New(context.Background(), rtsup.WithLogger(s.log))

		s.mu.Lock()
		if s.sup != nil {
			s.mu.Unlock()
			_ = ln.Close()
			return nil
		}
		s.sup = sup
		s.addr = ln.Addr().String()
		s.mu.Unlock()

		first := ln
		sup.GoRestart("http.serve", func(ctx context.Context) error {
			l := first
			first = nil
			if l == nil {
				var lerr error
				if l, lerr = net.Listen("tcp", cfg.Addr); lerr != nil {
					return lerr
				}
			}
			return s.serve(ctx, l, cfg)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

		s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
		return nil
	}
}

func (s *Server) serve(ctx context.Context, ln net.Listener, cfg Config) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for handlers until ctx is done.
// Request contexts derive from the serve context, so open event streams
// end as soon as Stop begins.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.sup == nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	sup.Cancel()
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	if werr := sup.Wait(ctx); err == nil && werr != nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}

	s.mu.Lock()
	s.stopDone = nil
	s.mu.Unlock()
	close(done)
	s.log.Info("http stopped")
	return err
}

// Reconfigure applies cfg. Routes and middleware switch immediately; the
// listener is restarted only when the address or a timeout changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.rebuild(cfg)
	if !running || !needsRestart(prev, cfg) {
		return nil
	}
	s.log.Info("http restarting", logx.String("addr", cfg.Addr))
	if err := s.Stop(ctx); err != nil {
		s.log.Warn("http stop before restart", logx.Err(err))
	}
	return s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}
