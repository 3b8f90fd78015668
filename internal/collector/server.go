// internal/collector/server.go
package collector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/config"
)

// Server is the reference collector
type Server struct {
	cfg     *config.CollectorConfig
	db      *DB
	handler *Handler
	server  *http.Server
	log     *zap.SugaredLogger
}

// NewServer creates a new collector server
func NewServer(cfg *config.CollectorConfig, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sugar := log.Sugar().Named("collector")
	handler := NewHandler(db, cfg.APIKey, cfg.MaxPayloadBytes, sugar)

	return &Server{
		cfg:     cfg,
		db:      db,
		handler: handler,
		server: &http.Server{
			Handler:      NewRouter(cfg, handler, log),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: sugar,
	}, nil
}

// NewRouter wires the collector routes
func NewRouter(cfg *config.CollectorConfig, h *Handler, log *zap.Logger) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))

	router.POST(cfg.NodePath, h.Heartbeat)
	router.POST(cfg.AlertPath, h.Alert)
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/alerts", h.ListAlerts)
		api.GET("/nodes", h.ListNodes)
	}
	return router
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	_, errCh, err := s.start()
	if err != nil {
		return err
	}
	return s.wait(ctx, errCh)
}

// RunAndGetAddr starts serving and returns the bound address once the
// listener is up. Useful with ":0".
func (s *Server) RunAndGetAddr(ctx context.Context) (string, error) {
	addr, errCh, err := s.start()
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.wait(ctx, errCh); err != nil {
			s.log.Errorw("Collector stopped", "error", err)
		}
	}()
	return addr, nil
}

// start binds the listener and serves in the background, over TLS when a
// certificate is configured
func (s *Server) start() (string, <-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return "", nil, fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	addr := ln.Addr().String()
	s.log.Infow("Collector starting", "addr", addr, "tls", useTLS,
		"node_path", s.cfg.NodePath, "alert_path", s.cfg.AlertPath)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return addr, errCh, nil
}

func (s *Server) wait(ctx context.Context, errCh <-chan error) error {
	defer s.db.Close()

	select {
	case <-ctx.Done():
		s.log.Info("Collector shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
