// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// NewLogger returns a slog logger that writes through an hclog JSON logger.
// go-plugin parses these lines from the plugin's stderr and re-emits them
// through the host logger.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(&hclogHandler{
		log: hclog.New(&hclog.LoggerOptions{
			Output:     w,
			Level:      hclog.Trace,
			JSONFormat: true,
		}),
		level: level,
	})
}

// hclogHandler adapts an hclog.Logger to slog. Level filtering happens
// here; the hclog logger accepts everything.
type hclogHandler struct {
	log    hclog.Logger
	level  slog.Leveler
	args   []any
	prefix string
}

func (h *hclogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle drops blank messages; hclog treats an empty @message as a raw line.
func (h *hclogHandler) Handle(_ context.Context, r slog.Record) error {
	if strings.TrimSpace(r.Message) == "" {
		return nil
	}
	args := slices.Clone(h.args)
	r.Attrs(func(a slog.Attr) bool {
		args = appendAttr(args, h.prefix, a)
		return true
	})
	switch {
	case r.Level < slog.LevelInfo:
		h.log.Debug(r.Message, args...)
	case r.Level < slog.LevelWarn:
		h.log.Info(r.Message, args...)
	case r.Level < slog.LevelError:
		h.log.Warn(r.Message, args...)
	default:
		h.log.Error(r.Message, args...)
	}
	return nil
}

func (h *hclogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.args = slices.Clone(h.args)
	for _, a := range attrs {
		next.args = appendAttr(next.args, h.prefix, a)
	}
	return &next
}

func (h *hclogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr flattens a into hclog key/value pairs, joining group names
// with dots.
func appendAttr(args []any, prefix string, a slog.Attr) []any {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		if len(group) == 0 {
			return args
		}
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range group {
			args = appendAttr(args, prefix, g)
		}
		return args
	}
	if a.Key == "" {
		return args
	}
	return append(args, prefix+a.Key, v.Any())
}
