package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/qwengate/pkg/cache"
	"github.com/lkarlslund/qwengate/pkg/config"
	"github.com/lkarlslund/qwengate/pkg/conversations"
	"github.com/lkarlslund/qwengate/pkg/health"
	"github.com/lkarlslund/qwengate/pkg/qwen"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

const modelsCacheTTL = 10 * time.Minute

// Server is the OpenAI-compatible front of the gateway. It owns the
// HTTP surface and wires the matcher, translator, upload pipeline and
// session monitor together.
type Server struct {
	store    *config.Store
	client   *qwen.Client
	convs    *conversations.Store
	uploader *upload.Pipeline
	monitor  *health.Monitor
	log      *log.Logger

	modelsCache     *cache.TTLValue[[]ModelCard]
	modelsCachePath string

	httpServer     *http.Server
	draining       atomic.Bool
	activeRequests atomic.Int64
}

type Options struct {
	Store           *config.Store
	Client          *qwen.Client
	Conversations   *conversations.Store
	Uploader        *upload.Pipeline
	Monitor         *health.Monitor
	ModelsCachePath string
	Logger          *log.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:           opts.Store,
		client:          opts.Client,
		convs:           opts.Conversations,
		uploader:        opts.Uploader,
		monitor:         opts.Monitor,
		log:             opts.Logger,
		modelsCache:     cache.NewTTLValue[[]ModelCard](),
		modelsCachePath: opts.ModelsCachePath,
	}
	if s.log == nil {
		s.log = log.Default()
	}
	s.loadModelsCacheFromDisk()

	cfg := opts.Store.Snapshot()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLifecycleMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/status/ws", s.handleStatusWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/chat/multimodal", s.handleMultimodalChat)
		r.Post("/v1/files/upload", s.handleFileUpload)
		r.Post("/v1/image/upload_and_chat", s.handleImageUploadAndChat)
		r.Post("/v1/video/upload_and_chat", s.handleVideoUploadAndChat)
		r.Get("/v1/models", s.handleModels)
		r.Delete("/v1/chats/{chatID}", s.handleDeleteChat)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	go s.monitor.Run(ctx)

	if cfg.TLS.Enabled {
		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}

		switch cfg.TLS.Mode {
		case "pem":
			cert, err := tls.X509KeyPair([]byte(cfg.TLS.CertPEM), []byte(cfg.TLS.KeyPEM))
			if err != nil {
				return fmt.Errorf("load tls keypair: %w", err)
			}
			httpsSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			go func() {
				s.log.Info("https listening", "addr", httpsSrv.Addr)
				if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("https server: %w", err)
				}
			}()
			<-ctx.Done()
			return s.shutdown(errCh, httpsSrv)
		default:
			mgr := &autocert.Manager{
				Cache:      autocert.DirCache(cfg.TLS.CacheDir),
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
				Email:      cfg.TLS.Email,
			}
			httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
			httpChallenge := &http.Server{
				Addr:              ":80",
				Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				s.log.Info("http challenge/redirect listening", "addr", ":80")
				if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http challenge server: %w", err)
				}
			}()
			go func() {
				s.log.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
				if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("https server: %w", err)
				}
			}()
			<-ctx.Done()
			return s.shutdown(errCh, httpChallenge, httpsSrv)
		}
	}

	go func() {
		s.log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	<-ctx.Done()
	return s.shutdown(errCh, s.httpServer)
}

func (s *Server) shutdown(errCh chan error, servers ...*http.Server) error {
	s.draining.Store(true)
	s.waitForIdle(30 * time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// requestLifecycleMiddleware rejects new API work while draining and
// tracks in-flight requests so shutdown can wait for running streams.
func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isAPIReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

// waitForIdle gives in-flight requests a bounded window to finish
// before the listeners are torn down.
func (s *Server) waitForIdle(grace time.Duration) {
	deadline := time.Now().Add(grace)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.log.Info("shutdown: gateway idle")
			return
		}
		if time.Now().After(deadline) {
			s.log.Warn("shutdown: grace period elapsed with active requests", "count", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.log.Info("shutdown: waiting for active requests", "count", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if models, ok := s.modelsCache.GetFresh(time.Now()); ok {
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
		return
	}
	upstream, err := s.client.ListModels(r.Context())
	if err != nil {
		// Serve the last known list even when expired rather than
		// failing a read-only endpoint.
		if models, _, ok := s.modelsCache.Get(); ok {
			writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
			return
		}
		writeUpstreamError(w, err)
		return
	}
	models := make([]ModelCard, 0, len(upstream))
	for _, m := range upstream {
		models = append(models, ModelCard{ID: m.ID, Object: "model", OwnedBy: "qwen"})
	}
	s.modelsCache.SetWithTTL(models, time.Now(), modelsCacheTTL)
	s.saveModelsCacheToDisk(models)
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) loadModelsCacheFromDisk() {
	if strings.TrimSpace(s.modelsCachePath) == "" {
		return
	}
	var models []ModelCard
	if err := cache.LoadJSONFresh(s.modelsCachePath, 24*time.Hour, &models); err != nil {
		return
	}
	if len(models) == 0 {
		return
	}
	// Disk entries load as already expired: they serve only as fallback
	// until the first live refresh succeeds.
	s.modelsCache.SetWithExpiry(models, time.Now())
}

func (s *Server) saveModelsCacheToDisk(models []ModelCard) {
	if strings.TrimSpace(s.modelsCachePath) == "" {
		return
	}
	if err := cache.SaveJSON(s.modelsCachePath, models); err != nil {
		s.log.Warn("persist models cache failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
