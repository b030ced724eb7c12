// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"
	"time"

	"github.com/harmonlove/callhub/logger"
	"github.com/harmonlove/callhub/service/api"
	"github.com/harmonlove/callhub/service/hub"
	"github.com/harmonlove/callhub/service/ws"
)

type Config struct {
	API    api.Config
	WS     ws.ServerConfig
	Hub    hub.Config
	Logger logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return fmt.Errorf("failed to validate api config: %w", err)
	}

	if err := c.WS.IsValid(); err != nil {
		return fmt.Errorf("failed to validate ws config: %w", err)
	}

	if err := c.Hub.IsValid(); err != nil {
		return fmt.Errorf("failed to validate hub config: %w", err)
	}

	if err := c.Logger.IsValid(); err != nil {
		return fmt.Errorf("failed to validate logger config: %w", err)
	}

	return nil
}

func (c *Config) SetDefaults() {
	c.API.ListenAddress = ":8045"
	c.API.ShutdownTimeout = 10 * time.Second
	c.WS.ReadBufferSize = 1024
	c.WS.WriteBufferSize = 1024
	c.WS.PingInterval = 10 * time.Second
	c.Hub.SetDefaults()
	c.Logger.SetDefaults()
}
