// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

//go:build ignore

// Generates the list of environment variables that override the callhub
// service config. Usage: go run scripts/env_config.go docs/env_config.md
package main

import (
	"log"
	"os"
	"text/tabwriter"

	"github.com/harmonlove/callhub/service"

	"github.com/kelseyhightower/envconfig"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("unexpected number of arguments, need 1")
	}

	outFile, err := os.OpenFile(os.Args[1], os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatalf("failed to write file: %s", err.Error())
	}
	defer outFile.Close()

	format := "### Config Environment Overrides\n\n```\nKEY\tTYPE\n{{range .}}{{usage_key .}}\t{{usage_type .}}\n{{end}}```\n"
	tabs := tabwriter.NewWriter(outFile, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef("callhub", &service.Config{}, tabs, format); err != nil {
		log.Fatalf("failed to generate usage: %s", err.Error())
	}
	tabs.Flush()
}
