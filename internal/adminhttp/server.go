// Package adminhttp exposes a read-only operational surface: liveness,
// Prometheus metrics, and a JSON snapshot of every rule's current target
// election. It never accepts a mutating request.
package adminhttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nodepeer/relay/internal/targetmgr"
	"github.com/nodepeer/relay/internal/version"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 10 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Server serves the read-only admin HTTP surface on one listen address.
type Server struct {
	addr      string
	mux       *mux.Router
	tm        *targetmgr.Manager
	startTime time.Time
}

// NewServer builds a Server bound to addr, backed by tm for rule status.
func NewServer(addr string, tm *targetmgr.Manager) *Server {
	s := &Server{
		addr:      addr,
		mux:       mux.NewRouter(),
		tm:        tm,
		startTime: time.Now(),
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start checks that the listen address can be bound, fast-failing if the
// port is occupied, releases that trial socket, then serves requests from a
// background goroutine (which binds the address again) until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	_ = ln.Close()

	logger := zerolog.Ctx(ctx)
	handler := s.buildMiddlewareChain(*logger)
	srv := s.createServer(ctx, handler)

	logger.Info().Str("addr", s.addr).Msg("admin http listen")

	go func() { _ = srv.ListenAndServe() }()

	return nil
}

func (s *Server) buildMiddlewareChain(logger zerolog.Logger) http.Handler {
	var h http.Handler = s.mux

	c := cors.New(cors.Options{AllowedMethods: []string{http.MethodGet}})
	h = c.Handler(h)

	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	})
	h = sec.Handler(h)

	h = hlog.NewHandler(logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("admin http request")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	h = chimw.Recoverer(h)

	return otelhttp.NewHandler(h, "adminhttp")
}

func (s *Server) createServer(ctx context.Context, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return srv
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"version": version.GetVersion(),
	})
}

// statusResponse is the /status payload: one entry per rule's current
// target election, for operators and scripts, never for mutation.
type statusResponse struct {
	Version string                        `json:"version"`
	Uptime  string                        `json:"uptime"`
	Rules   map[string]ruleStatus         `json:"rules"`
}

type ruleStatus struct {
	SelectedTarget string    `json:"selected_target,omitempty"`
	Targets        []string  `json:"targets"`
	LastUpdate     time.Time `json:"last_update"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.tm.AllRuleSnapshots()

	resp := statusResponse{
		Version: version.GetVersion(),
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Rules:   make(map[string]ruleStatus, len(snapshots)),
	}

	for name, ri := range snapshots {
		rs := ruleStatus{LastUpdate: ri.LastUpdate, Targets: make([]string, len(ri.Targets))}

		for i, t := range ri.Targets {
			rs.Targets[i] = t.Original
		}

		if ri.SelectedTarget != nil {
			rs.SelectedTarget = ri.SelectedTarget.Resolved
		}

		resp.Rules[name] = rs
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
