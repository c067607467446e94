package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/maestro/internal/config"
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/mtzanidakis/maestro/internal/registry"
	"github.com/mtzanidakis/maestro/internal/store"
	"github.com/mtzanidakis/maestro/internal/workflow"
	"github.com/nats-io/nats.go"
)

// Runner starts workflow runs on behalf of API callers.
type Runner interface {
	Run(ctx context.Context, wf *manifest.Workflow, prompt string) (*workflow.Result, error)
}

type Options struct {
	Store    *store.Store
	Registry *registry.Registry
	Runner   Runner
	// Bus, when set, feeds the websocket hub from run events on the bus.
	// Without it callers publish to the hub directly through Server.Hub.
	Bus     *natsbus.Bus
	Metrics http.Handler
	Config  config.WebConfig
	Version string
}

type Server struct {
	store     *store.Store
	registry  *registry.Registry
	runner    Runner
	bus       *natsbus.Bus
	nats      *natsbus.Client
	metrics   http.Handler
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	mu        sync.RWMutex
	workflows map[string]*manifest.Workflow
	order     []string
}

func NewServer(opts Options, workflows ...*manifest.Workflow) *Server {
	s := &Server{
		store:     opts.Store,
		registry:  opts.Registry,
		runner:    opts.Runner,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		hub:       NewHub(),
		cfg:       opts.Config,
		version:   opts.Version,
		startedAt: time.Now(),
		workflows: make(map[string]*manifest.Workflow),
	}
	for _, wf := range workflows {
		s.AddWorkflow(wf)
	}
	return s
}

// AddWorkflow makes wf available to the API, replacing any workflow of the
// same name.
func (s *Server) AddWorkflow(wf *manifest.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.Name()]; !ok {
		s.order = append(s.order, wf.Name())
	}
	s.workflows[wf.Name()] = wf
}

func (s *Server) workflow(name string) (*manifest.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[name]
	return wf, ok
}

// Hub returns the websocket hub. It implements workflow.Publisher.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler with every route and middleware
// installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	s.subscribeEvents()
	defer func() {
		if s.nats != nil {
			s.nats.Close()
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="maestro"`)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	// Every event is also published on its workflow topic; the run topic
	// alone is enough here.
	_, err = client.Subscribe(natsbus.TopicEventsRun, func(msg *nats.Msg) {
		var ev workflow.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Publish(context.Background(), ev)
	})
	if err != nil {
		slog.Error("subscribe run events failed", "error", err)
	}
}
