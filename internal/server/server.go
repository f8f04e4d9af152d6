// Package server exposes a LoShark controller over HTTP: a JSON control API
// and a websocket stream of inbound device envelopes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/hub"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/loshark"
)

// Device is the controller surface served over HTTP.
type Device interface {
	Status() loshark.Status
	Ping(ctx context.Context) error
	Opened(ctx context.Context) (bool, error)
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	GetTime(ctx context.Context) (api.Timespec, error)
	SetTime(ctx context.Context, ts api.Timespec) error
	GetProp(ctx context.Context, key string) (any, error)
	SetProp(ctx context.Context, key string, value any) error
	ListProps(ctx context.Context) ([]api.Prop, error)
	Transmit(ctx context.Context, buf []byte) error
}

// Session starts and stops the device session on request.
type Session interface {
	Start() error
	Stop(ctx context.Context) error
}

// Server owns the HTTP listener and the websocket subscribers.
type Server struct {
	mu             sync.RWMutex
	addr           string
	Hub            *hub.Hub
	Device         Device
	Session        Session
	allowOrigins   []string
	requestTimeout time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	maxClients     int
	version        string
	started        time.Time
	readyOnce      sync.Once
	readyCh        chan struct{}
	lastErrMu      sync.Mutex
	lastErr        error
	errCh          chan error
	engine         *gin.Engine
	httpSrv        *http.Server
	upgrader       websocket.Upgrader
	clientsMu      sync.Mutex
	clients        map[*hub.Client]*websocket.Conn
	wg             sync.WaitGroup
	logger         *slog.Logger
	nextConnID     atomic.Uint64
	totalRequests  atomic.Uint64
	totalConnected atomic.Uint64
	totalRejected  atomic.Uint64
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 20 * time.Second
	readLimit             = 4096
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		requestTimeout: defaultRequestTimeout,
		writeTimeout:   defaultWriteTimeout,
		pingInterval:   defaultPingInterval,
		readyCh:        make(chan struct{}),
		errCh:          make(chan error, 1),
		clients:        make(map[*hub.Client]*websocket.Conn),
		logger:         logging.L(),
		started:        time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.newEngine()
	return s
}

func WithListenAddr(a string) ServerOption  { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption      { return func(s *Server) { s.Hub = hb } }
func WithDevice(d Device) ServerOption      { return func(s *Server) { s.Device = d } }
func WithSession(ss Session) ServerOption   { return func(s *Server) { s.Session = ss } }
func WithVersion(v string) ServerOption     { return func(s *Server) { s.version = v } }
func WithAllowOrigins(o []string) ServerOption {
	return func(s *Server) { s.allowOrigins = o }
}

func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) Handler() http.Handler  { return s.engine }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.accessLog())
	if len(s.allowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.allowOrigins,
			AllowMethods: []string{"GET", "POST", "PUT"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.registerRoutes(r)
	return r
}

// accessLog logs each request at debug level, errors at warn.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.totalRequests.Add(1)
		status := c.Writer.Status()
		attrs := []any{"method", c.Request.Method, "path", c.FullPath(), "status", status, "took", time.Since(start)}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("http_request", attrs...)
			return
		}
		s.logger.Debug("http_request", attrs...)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.allowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Serve listens and serves HTTP until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("http_listen", "addr", s.Addr())
	s.logger.Info("ready")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrServe, err)
		s.setError(wrap)
		return wrap
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
		return nil
	}
}

// Shutdown stops the HTTP server and closes every websocket subscriber.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		}
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "requests", s.totalRequests.Load(), "ws_connected", s.totalConnected.Load(), "ws_rejected", s.totalRejected.Load())
		return nil
	}
}
