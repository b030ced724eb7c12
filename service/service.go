// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"
	"net/http"

	"github.com/harmonlove/callhub/logger"
	"github.com/harmonlove/callhub/service/api"
	"github.com/harmonlove/callhub/service/hub"
	"github.com/harmonlove/callhub/service/perf"
	"github.com/harmonlove/callhub/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const metricsNamespace = "callhub"

type Service struct {
	cfg       Config
	apiServer *api.Server
	wsServer  *ws.Server
	hub       *hub.Hub
	metrics   *perf.Metrics
	log       *mlog.Logger
}

func New(cfg Config) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		metrics: perf.NewMetrics(metricsNamespace, nil),
	}

	var err error
	s.log, err = logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	s.apiServer, err = api.NewServer(cfg.API, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	// The hub decides connection ids, so the ws server is created with
	// a callback bound to a hub that doesn't exist yet.
	s.wsServer, err = ws.NewServer(cfg.WS, s.log, ws.WithUpgradeCb(s.wsUpgradeCb))
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	s.hub, err = hub.New(cfg.Hub, s.wsServer, s.log, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	s.apiServer.RegisterHandleFunc(http.MethodGet, "/version", s.getVersion)
	s.apiServer.RegisterHandleFunc(http.MethodGet, "/stats", s.getStats)
	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())
	s.apiServer.RegisterHandler("/ws", s.wsServer)

	s.log.Info("callhub: service created", getVersionInfo().logFields()...)

	return s, nil
}

func (s *Service) Start() error {
	s.hub.Start()

	if err := s.apiServer.Start(); err != nil {
		s.hub.Stop()
		return fmt.Errorf("failed to start api server: %w", err)
	}

	return nil
}

func (s *Service) Stop() error {
	var stopErr error
	if err := s.apiServer.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop api server: %w", err)
	}

	s.wsServer.Close()
	s.hub.Stop()

	s.log.Info("callhub: service stopped")

	if err := s.log.Shutdown(); err != nil && stopErr == nil {
		stopErr = fmt.Errorf("failed to shutdown logger: %w", err)
	}

	return stopErr
}

// Addr returns the address the API server is listening on, empty if not
// started.
func (s *Service) Addr() string {
	return s.apiServer.Addr()
}

func (s *Service) wsUpgradeCb(w http.ResponseWriter, r *http.Request) (string, int, error) {
	return s.hub.UpgradeCb(w, r)
}
