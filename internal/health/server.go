// Package health serves the liveness endpoint used by the hosting platform
// and, when enabled, the pprof handlers behind a bearer token.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "postbot/internal/runtime/supervisor"
	logx "postbot/pkg/logx"
)

const ServiceName = "telegram-post-bot"

type PprofConfig struct {
	Enabled bool
	Prefix  string
	// Token is required as "Authorization: Bearer <token>" or ?token=.
	// pprof stays disabled without it.
	Token string
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        PprofConfig
}

// Source reports the scheduling state shown on /health.
type Source interface {
	Ready() bool
	Pending() int
}

type Status struct {
	Status        string                    `json:"status"`
	Service       string                    `json:"service"`
	Timestamp     time.Time                 `json:"timestamp"`
	Ready         bool                      `json:"ready"`
	Pending       int                       `json:"pending"`
	Uptime        string                    `json:"uptime"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Components    map[string]rtsup.Counters `json:"components,omitempty"`
}

type Server struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	src     Source
	reg     *rtsup.Registry
	started time.Time
	now     func() time.Time

	sup *rtsup.Supervisor
	srv *http.Server
}

func New(cfg Config, src Source, reg *rtsup.Registry, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "health")),
		src:     src,
		reg:     reg,
		started: time.Now(),
		now:     time.Now,
	}
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.serveStatus)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.serveStatus(w, r)
	})

	pc := s.cfg.Pprof
	if pc.Enabled && strings.TrimSpace(pc.Token) != "" {
		prefix := normalizePrefix(pc.Prefix)
		base := strings.TrimSuffix(prefix, "/")
		wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(pc.Token, h) }
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) Snapshot() Status {
	now := s.now()
	up := now.Sub(s.started).Truncate(time.Second)
	st := Status{
		Status:        "ok",
		Service:       ServiceName,
		Timestamp:     now.UTC(),
		Uptime:        up.String(),
		UptimeSeconds: int64(up / time.Second),
	}
	if s.src != nil {
		st.Ready = s.src.Ready()
		st.Pending = s.src.Pending()
	}
	if c := s.reg.Counters(); len(c) > 0 {
		st.Components = c
	}
	return st
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.log.Debug("health write failed", logx.Err(err))
	}
}

// Start binds the listener under a restarting supervisor. It is a no-op
// when already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// health is optional; never take the bot down with it
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.reg.Set("health.http", s.sup)
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("health listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof.Enabled && s.cfg.Pprof.Token != ""),
	)
	if s.cfg.Pprof.Enabled && s.cfg.Pprof.Token == "" {
		s.log.Warn("pprof requested without token; not mounted")
	}

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("health server exited unexpectedly")
	}
	return err
}

// Stop shuts the listener down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	s.reg.Delete("health.http")
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.log.Info("health stopped")
	return err
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests rooted at /debug/pprof/, so the path is
// rewritten for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
