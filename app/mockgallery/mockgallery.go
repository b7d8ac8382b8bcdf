// Package mockgallery implements an in-process stub of the Gallerist app: the
// register and login forms, the protected galleries page and the e2e
// maintenance API. The harness tests run against it, and `usher --mock`
// serves it standalone for local development.
package mockgallery

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
)

// Config holds the stub configuration
type Config struct {
	LoginAfterRegister bool // registration redirects to login instead of starting a session
	Version            string
}

// user is one registered account
type user struct {
	email     string
	name      string
	hash      []byte // bcrypt
	createdAt time.Time
}

// Gallery is one user-created gallery
type Gallery struct {
	Title   string    `json:"title"`
	Created time.Time `json:"created"`
}

// Server holds the stub state. All state is in memory and guarded by one
// mutex, the stub never outlives the process.
type Server struct {
	loginAfterRegister bool
	version            string
	templates          map[string]*template.Template
	loginLimiter       *limiter.Limiter

	mu        sync.Mutex
	users     map[string]user      // email -> account
	sessions  map[string]string    // token -> email
	galleries map[string][]Gallery // email -> galleries
	optimized bool
}

// New creates the stub server
func New(cfg Config) *Server {
	return &Server{
		loginAfterRegister: cfg.LoginAfterRegister,
		version:            cfg.Version,
		templates:          parseTemplates(),
		loginLimiter:       newLoginLimiter(),
		users:              map[string]user{},
		sessions:           map[string]string{},
		galleries:          map[string][]Gallery{},
	}
}

// newLoginLimiter caps login attempts per client IP, mimicking the production
// app's login throttle
func newLoginLimiter() *limiter.Limiter {
	lmt := tollbooth.NewLimiter(10, nil)
	lmt.SetBurst(20)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessage("too many login attempts")
	return lmt
}

// Run starts the stub server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown mock gallery server: %v", err)
		}
	}()

	log.Printf("[INFO] starting mock gallery server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mock gallery server failed: %w", err)
	}
	return nil
}

// Handler returns the http.Handler with all routes configured. Exposed so
// tests can mount the stub on httptest.Server directly.
func (s *Server) Handler() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("gallerist-mock", "gallerist", s.version),
		rest.Ping,
		rest.SizeLimit(1024*1024), // 1MB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.HandleFunc("GET /auth/register", s.handleRegisterForm)
	router.HandleFunc("POST /auth/register", s.handleRegister)
	router.HandleFunc("GET /auth/login", s.handleLoginForm)
	router.With(tollbooth.HTTPMiddleware(s.loginLimiter)).HandleFunc("POST /auth/login", s.handleLogin)
	router.HandleFunc("GET /auth/logout", s.handleLogout)

	router.HandleFunc("GET /galleries", s.handleGalleries)
	router.HandleFunc("POST /galleries", s.handleCreateGallery)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /health", s.handleHealth)
		api.HandleFunc("DELETE /e2e/delete-user", s.handleDeleteUser)
		api.HandleFunc("DELETE /e2e/cleanup", s.handleCleanup)
		api.HandleFunc("DELETE /e2e/cleanup-all", s.handleCleanupAll)
		api.HandleFunc("POST /e2e/optimize", s.handleOptimize)
		api.HandleFunc("GET /e2e/stats", s.handleStats)
	})

	// everything else lands on the galleries page, like the real app's root
	router.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/galleries", http.StatusSeeOther)
	})

	return router
}
