// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authframed demo server.
package main

import (
	"os"

	"github.com/stacklok/authframe/cmd/authframed/app"
	"github.com/stacklok/authframe/pkg/logger"
)

func main() {
	logger.Initialize()
	if err := app.NewRootCommand().Execute(); err != nil {
		logger.Errorf("%v, exiting", err)
		os.Exit(1)
	}
}
