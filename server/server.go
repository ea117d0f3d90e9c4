// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"bulletin-notifier/metrics"
	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/poll"
	"bulletin-notifier/subscriber"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Monitor runs checks and sends the current bulletin on demand.
type Monitor interface {
	PerformCheck(ctx context.Context, opts bulletin.CheckOptions) bulletin.CheckResult
	Last(ctx context.Context) (*bulletin.State, error)
	SendLatest(ctx context.Context, to string) (*poll.Canonical, error)
	SourceURL() string
	Via() string
	DefaultRecipient() string
}

// Registry manages subscriptions.
type Registry interface {
	Subscribe(ctx context.Context, email string) (subscriber.SubscribeOutcome, *bulletin.Subscriber, error)
	Resolve(ctx context.Context, token string) (string, *bulletin.Subscriber, error)
	Unsubscribe(ctx context.Context, token, protected string) (subscriber.UnsubscribeOutcome, string, error)
}

// Config holds server configuration.
type Config struct {
	Monitor  Monitor
	Registry Registry
	Logger   *slog.Logger
	Product  string
	// RatePerHour and RateBurst bound the public form endpoints per client IP.
	RatePerHour int
	RateBurst   int
	// SecureCookies marks the remembered-email cookie Secure.
	SecureCookies bool
}

// Server handles HTTP requests.
type Server struct {
	monitor       Monitor
	registry      Registry
	logger        *slog.Logger
	limiter       *ipLimiter
	validate      *validator.Validate
	product       string
	secureCookies bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		monitor:       cfg.Monitor,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		limiter:       newIPLimiter(cfg.RatePerHour, cfg.RateBurst),
		validate:      validator.New(),
		product:       cfg.Product,
		secureCookies: cfg.SecureCookies,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/check", s.handleCheck)
	r.Post("/check", s.handleCheck)
	r.Get("/check/raw", s.handleCheckRaw)
	r.Get("/check/html", s.handleCheckHTML)
	r.Post("/send/test", s.handleSendTest)

	r.Get("/subscribe", s.handleSubscribeForm)
	r.With(s.rateLimit("subscribe")).Post("/subscribe", s.handleSubscribe)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit("unsubscribe"))
		r.Get("/unsubscribe", s.handleUnsubscribeConfirm)
		r.Post("/unsubscribe", s.handleUnsubscribe)
	})

	r.Get("/email", s.handleEmailForm)
	r.With(s.rateLimit("email")).Post("/email", s.handleEmail)

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	// Configure server with timeouts to prevent resource exhaustion
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /check runs a full pass
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTP(r.Method, route, status, time.Since(start))
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["Product"] = s.product

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}

func (s *Server) validEmail(addr string) bool {
	if !bulletin.ValidAddress(addr) {
		return false
	}
	return s.validate.Var(addr, "required,email,max=254") == nil
}

const emailCookieName = "bulletin_email"

func (s *Server) setEmailCookie(w http.ResponseWriter, addr string) {
	http.SetCookie(w, &http.Cookie{
		Name:     emailCookieName,
		Value:    addr,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) emailCookie(r *http.Request) string {
	cookie, err := r.Cookie(emailCookieName)
	if err != nil {
		return ""
	}
	// The cookie is client-controlled.
	if !s.validEmail(cookie.Value) {
		return ""
	}
	return cookie.Value
}
