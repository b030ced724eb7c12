// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/harmonlove/callhub/service"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "callhub"

// loadConfig reads the config file and returns a new service.Config.
// Settings not present in the file keep their defaults, and environment
// variables override both. A missing file is not an error when the path is
// empty, so the service can be configured through the environment alone.
func loadConfig(path string) (service.Config, error) {
	var cfg service.Config
	cfg.SetDefaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process env config: %w", err)
	}

	return cfg, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
