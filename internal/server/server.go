package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/runtracker"
	"github.com/relayforge/agentcore/internal/sessionmgr"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AuthToken, if set, is required as a Bearer token on the REST
	// surface (spec §6: "Bearer-token auth when configured"). The
	// JSON-RPC and WebSocket surfaces are unauthenticated today — they
	// are meant for trusted local/sidecar callers.
	AuthToken string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		Directory:    "",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout: SSE/WS hold the connection open
	}
}

// Server is the HTTP server. It owns no session state itself; every
// handler is a thin adapter over the components passed to New.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *types.Config

	sessions   *sessionmgr.Manager
	runs       *runtracker.Tracker
	idem       *runtracker.Idempotency
	bus        *bus.Bus
	providers  *provider.Registry
	tools      *tool.Registry
	voiceNotes *voiceNoteStore

	upgrader websocket.Upgrader
}

// New creates a new Server instance.
func New(cfg *Config, appConfig *types.Config, sessions *sessionmgr.Manager, runs *runtracker.Tracker, idem *runtracker.Idempotency, b *bus.Bus, providers *provider.Registry, tools *tool.Registry) *Server {
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		appConfig:  appConfig,
		sessions:   sessions,
		runs:       runs,
		idem:       idem,
		bus:        b,
		providers:  providers,
		tools:      tools,
		voiceNotes: newVoiceNoteStore(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.instanceContext)
}

// instanceContext middleware injects the working directory into context,
// letting callers override it per-request with a ?directory= query param.
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}
		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBearer wraps next with Bearer-token auth when Config.AuthToken
// is set; a no-op otherwise.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	if s.config.AuthToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.config.AuthToken {
			writeErr(w, invalidAuth())
			return
		}
		next(w, r)
	}
}

// setupRoutes wires the three external surfaces.
func (s *Server) setupRoutes() {
	s.router.Post("/rpc", s.handleRPC)

	s.router.Get("/ws", s.handleWS)

	s.router.Get("/event", s.sessionEvents)
	s.router.Get("/global/event", s.globalEvents)

	s.router.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.requireBearer(s.httpListSessions))
		r.Post("/", s.requireBearer(s.httpCreateSession))
		r.Get("/{sessionID}/status", s.requireBearer(s.httpSessionStatus))
		r.Post("/{sessionID}/prompt", s.requireBearer(s.httpPrompt))
		r.Post("/{sessionID}/abort", s.requireBearer(s.httpAbort))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

type contextKey string

const contextKeyDirectory contextKey = "directory"

func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}
