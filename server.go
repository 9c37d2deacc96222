package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	cfg         *Config
	hub         *Hub
	dispatcher  *Dispatcher
	reassembler *Reassembler
	limiter     *KeyedLimiter
	logger      *slog.Logger
	srv         *http.Server
	metricsSrv  *http.Server
}

func NewServer(cfg *Config, hub *Hub, dispatcher *Dispatcher, reassembler *Reassembler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		hub:         hub,
		dispatcher:  dispatcher,
		reassembler: reassembler,
		limiter:     NewRateLimiter(cfg.RateLimitPerIP),
		logger:      logger.With(slog.String("component", "server")),
	}

	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.routes(),
		ReadTimeout: 120 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		mux := chi.NewRouter()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	if s.cfg.MetricsAddr == "" {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
		s.logger.Info("relay listening", slog.String("addr", s.cfg.Addr), slog.Bool("tls", true))
		err = s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		s.logger.Info("relay listening", slog.String("addr", s.cfg.Addr), slog.Bool("tls", false))
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServeMetrics serves /metrics on its own address. It returns nil
// immediately when no separate address is configured.
func (s *Server) ListenAndServeMetrics() error {
	if s.metricsSrv == nil {
		return nil
	}
	s.logger.Info("metrics listening", slog.String("addr", s.cfg.MetricsAddr))
	if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	if s.metricsSrv != nil {
		err = errors.Join(err, s.metricsSrv.Shutdown(ctx))
	}
	return err
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Transfers   int    `json:"transfers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Connections: s.hub.ConnectionCount(),
		Rooms:       s.hub.RoomCount(),
		Transfers:   s.reassembler.Len(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limiter.Allow(ip) {
		throttledTotal.WithLabelValues("upgrade").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("ip", ip), slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	client := NewClient(s.hub, s.dispatcher, conn, ip)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestLogger logs each request once it finishes. Errors log at warn or
// error level depending on the status class.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// Hijacked by the WebSocket upgrade.
				status = http.StatusSwitchingProtocols
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
