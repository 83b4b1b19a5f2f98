package server

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kartoza/policy-proof/internal/api"
	"github.com/kartoza/policy-proof/internal/config"
)

// Server holds all the components for the web application
type Server struct {
	cfg        config.Config
	httpServer *http.Server
	router     *mux.Router
	components *Components
	handler    http.Handler
}

// New creates a new Server around already opened components. The server
// does not own them; the caller closes them after Stop.
func New(cfg config.Config, components *Components) (*Server, error) {
	if components == nil || components.Aggregator == nil {
		return nil, eris.New("server: components are required")
	}
	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		components: components,
	}

	// Set up routes
	s.setupRoutes()
	s.handler = s.wrap(s.router)

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoverer)
	s.router.Use(api.RequestID)
	s.router.Use(s.components.Metrics.Middleware)
	s.router.Use(accessLog)

	apiHandler := api.NewHandler(
		s.components.Aggregator,
		s.components.Tiles,
		s.components.Responder,
		s.components.Datasets(),
		s.cfg,
	)

	// API routes
	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiHandler.RegisterRoutes(apiRouter)

	// Unprefixed aliases (/health, /analyze, /tiles) used by older clients
	apiHandler.RegisterRoutes(s.router)
	apiHandler.RegisterWebSocket(s.router)

	s.router.Handle("/metrics", s.components.Metrics.Handler()).Methods("GET")

	// Optional built frontend
	if s.cfg.Server.StaticDir == "" {
		return
	}
	if _, err := os.Stat(s.cfg.Server.StaticDir); err != nil {
		zap.L().Warn("Static directory not available", zap.String("dir", s.cfg.Server.StaticDir), zap.Error(err))
		return
	}
	staticContent := os.DirFS(s.cfg.Server.StaticDir)

	// SPA fallback: serve index.html for any non-API route
	fileServer := http.FileServer(http.FS(staticContent))
	s.router.PathPrefix("/").Handler(spaHandler{staticContent: staticContent, fileServer: fileServer})
}

// wrap applies the handlers that must run before routing: CORS answers
// preflight requests that match no route, and compression skips websockets.
func (s *Server) wrap(router http.Handler) http.Handler {
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{api.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})

	gzipped := gzhttp.GzipHandler(router)
	return corsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			router.ServeHTTP(w, r)
			return
		}
		gzipped.ServeHTTP(w, r)
	}))
}

// Start begins listening for HTTP connections
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  orDefault(s.cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(s.cfg.Server.WriteTimeout, 60*time.Second),
		IdleTimeout:  orDefault(s.cfg.Server.IdleTimeout, 120*time.Second),
	}

	zap.L().Info("Server listening", zap.String("url", fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port)))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// spaHandler serves the SPA, falling back to index.html for client-side routing
type spaHandler struct {
	staticContent fs.FS
	fileServer    http.Handler
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Try to open the file
	path := r.URL.Path
	if path == "/" {
		path = "index.html"
	}

	// fs.FS paths must not have a leading slash
	cleanPath := strings.TrimPrefix(path, "/")

	_, err := fs.Stat(h.staticContent, cleanPath)
	if err != nil {
		// File not found, serve index.html for SPA routing
		r.URL.Path = "/"
	}

	h.fileServer.ServeHTTP(w, r)
}
