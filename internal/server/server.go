// Package server implements the relay's HTTP surface: topic-actor
// documents, inbox delivery, webfinger/nodeinfo discovery, metrics, and a
// static-asset fallback.
package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astro/buzzrelay/internal/ap"
	"github.com/astro/buzzrelay/internal/config"
	"github.com/astro/buzzrelay/internal/inbound"
	"github.com/astro/buzzrelay/internal/process"
	"github.com/astro/buzzrelay/internal/topic"
)

const (
	activityJSONType = `application/activity+json`
	softwareVersion  = "1.0.0"

	// maxInboxBodyBytes bounds how much of a POST body is read before the
	// handler gives up, matching SignedRequest's digest/signature checks
	// which must see the complete body.
	maxInboxBodyBytes = 1 << 20
)

// FollowCounter is the subset of the follow store the nodeinfo endpoint needs.
type FollowCounter interface {
	GetFollowsCount() (int, error)
	GetFollowersCount() (int, error)
}

// Resolver resolves a remote actor's public key, used to verify inbound
// HTTP signatures.
type Resolver interface {
	PublicKey(ctx context.Context, actorURI string) (*rsa.PublicKey, error)
}

// Server is the relay's HTTP server.
type Server struct {
	cfg          *config.Config
	store        FollowCounter
	resolver     Resolver
	inbound      *inbound.Handler
	publicKeyPEM string
	staticDir    string

	router    *chi.Mux
	startedAt time.Time
}

// New constructs a Server. publicKeyPEM is embedded into every topic-actor
// document this instance renders. staticDir is served at "/" as a fallback
// for unmatched paths; pass "" to disable it.
func New(cfg *config.Config, store FollowCounter, resolver Resolver, inboundHandler *inbound.Handler, publicKeyPEM, staticDir string) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		resolver:     resolver,
		inbound:      inboundHandler,
		publicKeyPEM: publicKeyPEM,
		staticDir:    staticDir,
		startedAt:    time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := fmt.Sprintf(":%d", s.cfg.ListenPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "hostname", s.cfg.Hostname)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// exitOnPanicMiddleware replaces chi's stock middleware.Recoverer: a
// handler panic must be fatal to the whole process, not just logged and
// turned into a 500 for the one request that triggered it.
func exitOnPanicMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer process.ExitOnPanic()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(exitOnPanicMiddleware)

	r.Get("/{kind}/{name}", s.handleActor)
	r.Post("/{kind}/{name}", s.handleInbox)
	r.Get("/{kind}/{name}/outbox", s.handleOutbox)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/api/v1/instance", s.handleInstance)

	r.Handle("/metrics", promhttp.Handler())

	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		r.Get("/*", fileServer.ServeHTTP)
	} else {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "buzzrelay relay running on %s\n", s.cfg.Hostname)
		})
	}

	return r
}

func (s *Server) parsePathTopic(r *http.Request) (topic.TopicActor, error) {
	kind := chi.URLParam(r, "kind")
	name := chi.URLParam(r, "name")
	resource := fmt.Sprintf("https://%s/%s/%s", s.cfg.Hostname, kind, name)
	return ap.ParseResource(resource, s.cfg.Hostname)
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	t, err := s.parsePathTopic(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.RenderActor(t, s.publicKeyPEM))
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	t, err := s.parsePathTopic(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.EmptyOutbox(t.URI()+"/outbox"))
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	t, err := s.parsePathTopic(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := ap.VerifySignature(r, body, s.resolver.PublicKey); err != nil {
		slog.Warn("inbox: signature verification failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	status := s.inbound.Handle(r.Context(), t, body)
	w.WriteHeader(status)
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	t, err := ap.ParseResource(resource, s.cfg.Hostname)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{t.URI()},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: t.URI()},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	follows, err := s.store.GetFollowsCount()
	if err != nil {
		slog.Warn("nodeinfo: failed to read follow count", "error", err)
	}

	info := ap.NodeInfo{
		Version: "2.1",
		Software: ap.NodeInfoSoftware{
			Name:    "buzzrelay",
			Version: softwareVersion,
		},
		Protocols: []string{"activitypub"},
		Usage: ap.NodeInfoUsage{
			Users: ap.NodeInfoUsers{Total: follows},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"uri":         s.cfg.Hostname,
		"title":       "buzzrelay",
		"version":     softwareVersion,
		"description": "A federated-social-network relay that re-broadcasts posts to topic-actor subscribers.",
	}, http.StatusOK)
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter, kept from the teacher's middleware for compatibility
// with any handler that needs to adjust write deadlines.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
