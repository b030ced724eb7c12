// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const defaultShutdownTimeout = 10 * time.Second

type Server struct {
	cfg      Config
	listener net.Listener
	srv      *http.Server
	mux      *http.ServeMux
	routes   []string
	log      mlog.LoggerIFace
}

func NewServer(cfg Config, log mlog.LoggerIFace) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		log: log,
		cfg: cfg,
		mux: http.NewServeMux(),
	}

	// WebSocket connections are hijacked so these only bound the handshake
	// and the plain HTTP endpoints.
	s.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       30 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Handler: s.recoverHandler(s.mux),
	}

	return s, nil
}

// recoverHandler keeps a panicking handler from taking the relay down with
// it.
func (s *Server) recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Error("api: handler panic",
					mlog.String("method", r.Method),
					mlog.String("path", r.URL.Path),
					mlog.Any("panic", p))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.log.Info("api: server is listening",
		mlog.String("addr", s.listener.Addr().String()),
		mlog.String("routes", strings.Join(s.routes, ", ")))

	go func() {
		var err error
		if s.cfg.TLS.Enable {
			s.log.Debug("api: serving with tls")
			err = s.srv.ServeTLS(s.listener, s.cfg.TLS.CertFile, s.cfg.TLS.CertKey)
		} else {
			s.log.Debug("api: serving plaintext")
			err = s.srv.Serve(s.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Critical("api: failed to serve", mlog.Err(err))
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.log.Info("api: server was shutdown")
	return nil
}

// Addr returns the address the server is listening on, empty if not started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
