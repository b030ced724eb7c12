// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net"
	"testing"

	"github.com/harmonlove/callhub/logger"

	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	srvc      *Service
	apiClient *Client
	cfg       Config
	tb        testing.TB
	apiURL    string
}

func SetupTestHelper(tb testing.TB, cfg *Config) *TestHelper {
	tb.Helper()
	var err error

	th := &TestHelper{
		tb: tb,
	}

	if cfg != nil {
		th.cfg = *cfg
	} else {
		th.cfg.SetDefaults()
		th.cfg.API.ListenAddress = ":0"
		th.cfg.Logger = logger.Config{
			EnableConsole: true,
			ConsoleLevel:  "ERROR",
		}
	}

	th.srvc, err = New(th.cfg)
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.srvc)

	err = th.srvc.Start()
	require.NoError(th.tb, err)

	_, port, err := net.SplitHostPort(th.srvc.Addr())
	require.NoError(th.tb, err)
	th.apiURL = "http://localhost:" + port

	th.apiClient, err = NewClient(ClientConfig{URL: th.apiURL})
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.apiClient)

	return th
}

func (th *TestHelper) Teardown() {
	th.apiClient.Close()
	err := th.srvc.Stop()
	require.NoError(th.tb, err)
}
