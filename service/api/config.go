// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

type TLSConfig struct {
	Enable   bool
	CertFile string `toml:"cert_file"`
	CertKey  string `toml:"cert_key"`
}

func (c TLSConfig) IsValid() error {
	if !c.Enable {
		return nil
	}

	if c.CertFile == "" {
		return fmt.Errorf("invalid CertFile value: should not be empty")
	}

	if c.CertKey == "" {
		return fmt.Errorf("invalid CertKey value: should not be empty")
	}

	if _, err := tls.LoadX509KeyPair(c.CertFile, c.CertKey); err != nil {
		return fmt.Errorf("failed to load cert files: %w", err)
	}

	return nil
}

type Config struct {
	ListenAddress string `toml:"listen_address"`
	// How long in-flight requests get to complete on shutdown. Defaults to
	// 10 seconds.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	TLS             TLSConfig
}

func (c Config) IsValid() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("invalid ListenAddress value: should not be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid ListenAddress value: %w", err)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid ShutdownTimeout value: should not be negative")
	}
	if err := c.TLS.IsValid(); err != nil {
		return fmt.Errorf("invalid TLS config: %w", err)
	}
	return nil
}
