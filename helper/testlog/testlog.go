// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers that write through testing.T so log
// output is attributed to the test that produced it.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer adapts a LogPrinter to io.Writer.
type writer struct {
	prefix string
	t      LogPrinter
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// HCLogger returns a new test logger with the Debug level unless the
// PHOTON_TEST_LOG_LEVEL environment variable overrides it.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := "debug"
	if envLogLevel := os.Getenv("PHOTON_TEST_LOG_LEVEL"); envLogLevel != "" {
		level = envLogLevel
	}
	opts := &hclog.LoggerOptions{
		Level:           hclog.LevelFromString(level),
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
