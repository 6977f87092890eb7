// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

// Package log is the engine's logging façade: severity-tagged,
// context-aware, redaction-safe. Messages carry the logtags
// annotations attached to the context, so call sites annotate with
// logtags.AddTag and log with a bare format string.
package log

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

type severity string

const (
	sevInfo    severity = "I"
	sevWarning severity = "W"
	sevError   severity = "E"
)

var verbosity atomic.Int32

var logger atomic.Pointer[stdlog.Logger]

func init() {
	logger.Store(stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds))
}

// SetVerbosity sets the highest level at which VEventf calls are
// emitted. At zero, calls with a positive level are silent.
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

// V reports whether events at the given verbosity level are emitted.
func V(level int) bool {
	return verbosity.Load() >= int32(level)
}

// SetOutput redirects log output, returning a restore function. Used
// by tests that assert on emitted warnings.
func SetOutput(w io.Writer) func() {
	prev := logger.Load()
	logger.Store(stdlog.New(w, "", stdlog.LstdFlags|stdlog.Lmicroseconds))
	return func() { logger.Store(prev) }
}

func output(ctx context.Context, sev severity, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...)
	if tags := logtags.FromContext(ctx); tags != nil {
		logger.Load().Printf("%s [%s] %s", sev, tags, msg.StripMarkers())
		return
	}
	logger.Load().Printf("%s %s", sev, msg.StripMarkers())
}

// Infof logs an informational message.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevInfo, format, args...)
}

// Warningf logs a warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevWarning, format, args...)
}

// Errorf logs an error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevError, format, args...)
}

// VEventf logs a verbose event if the level is enabled.
func VEventf(ctx context.Context, level int, format string, args ...interface{}) {
	if !V(level) {
		return
	}
	output(ctx, sevInfo, format, args...)
}
