// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package logger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	targetQueueSize = 1000
	plainFormatOpts = `{"delim": " ", "min_level_len": 5, "min_msg_len": 45, "enable_color": %t, "enable_caller": true}`
	jsonFormatOpts  = `{"enable_caller": true}`
)

// getLevels returns every standard level up to and including the named one.
// An unknown name yields all levels.
func getLevels(level string) []mlog.Level {
	var levels []mlog.Level
	for _, l := range mlog.StdAll {
		levels = append(levels, l)
		if l.Name == strings.ToLower(level) {
			break
		}
	}
	return levels
}

func newTarget(kind, level string, asJSON, color bool, opts string) mlog.TargetCfg {
	format := "plain"
	formatOpts := fmt.Sprintf(plainFormatOpts, color)
	if asJSON {
		format = "json"
		formatOpts = jsonFormatOpts
	}

	return mlog.TargetCfg{
		Type:          kind,
		Levels:        getLevels(level),
		Options:       json.RawMessage(opts),
		Format:        format,
		FormatOptions: json.RawMessage(formatOpts),
		MaxQueueSize:  targetQueueSize,
	}
}

// New returns a newly created and initialized logger with the given config.
// The caller owns the logger and must call Shutdown on it.
func New(config Config) (*mlog.Logger, error) {
	if err := config.IsValid(); err != nil {
		return nil, err
	}

	logger, err := mlog.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg := mlog.LoggerConfiguration{}
	if config.EnableConsole {
		cfg["_defConsole"] = newTarget("console", config.ConsoleLevel,
			config.ConsoleJSON, config.EnableColor, `{"out": "stdout"}`)
	}

	if config.EnableFile {
		fileOpts, err := json.Marshal(map[string]any{
			"filename":    config.FileLocation,
			"max_size":    100,
			"max_age":     0,
			"max_backups": 0,
			"compress":    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal file options: %w", err)
		}
		cfg["_defFile"] = newTarget("file", config.FileLevel, config.FileJSON, false, string(fileOpts))
	}

	if err := logger.ConfigureTargets(cfg, nil); err != nil {
		_ = logger.Shutdown()
		return nil, fmt.Errorf("failed to configure log targets: %w", err)
	}

	return logger, nil
}
