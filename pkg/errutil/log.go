// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package errutil holds helpers shared by every plugrun component for
// reporting oops errors through slog.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	Log(context.Background(), logger, slog.LevelError, msg, err)
}

// Log is LogError at an arbitrary level, carrying ctx so trace ids reach
// the handler.
func Log(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs = append(attrs, "error", oopsErr.Error())
		if code := oopsErr.Code(); code != nil && code != "" {
			attrs = append(attrs, "code", code)
		}
		if c := oopsErr.Context(); len(c) > 0 {
			attrs = append(attrs, "context", c)
		}
	} else {
		attrs = append(attrs, "error", err)
	}
	logger.Log(ctx, level, msg, attrs...)
}

// Code returns the oops code of err, or the empty string.
func Code(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if s, ok := oopsErr.Code().(string); ok {
			return s
		}
	}
	return ""
}
