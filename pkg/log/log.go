// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps zap.Logger the way the balancer's components expect to
// log: a package-level logger usable directly, a With() that scopes fields
// onto a child logger, and a rate-limited variant for hot paths that would
// otherwise spam identical warnings once per tick.
package log

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_globalLogger = newDefaultLogger()
	_globalMu     sync.RWMutex
)

func newDefaultLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than panic from an init-time
		// configuration problem; callers still get a usable *MLogger.
		logger = zap.NewNop()
	}
	return logger
}

// ReplaceGlobals swaps the base zap logger, e.g. to wire in an executor's
// own sink instead of the default production config.
func ReplaceGlobals(logger *zap.Logger) {
	_globalMu.Lock()
	defer _globalMu.Unlock()
	_globalLogger = logger
}

func base() *zap.Logger {
	_globalMu.RLock()
	defer _globalMu.RUnlock()
	return _globalLogger
}

// MLogger is a thin, field-carrying handle onto the global zap logger.
type MLogger struct {
	inner *zap.Logger
}

func With(fields ...zap.Field) *MLogger {
	return &MLogger{inner: base().With(fields...)}
}

// Ctx scopes a logger to a request context. The engine does not propagate a
// trace ID of its own, but callers that thread one through context via
// WithTraceID get it attached automatically.
func Ctx(ctx context.Context) *MLogger {
	if traceID, ok := traceIDFromContext(ctx); ok {
		return &MLogger{inner: base().With(zap.String("traceID", traceID))}
	}
	return &MLogger{inner: base()}
}

func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{inner: l.inner.With(fields...)}
}

func (l *MLogger) Debug(msg string, fields ...zap.Field) { l.inner.Debug(msg, fields...) }
func (l *MLogger) Info(msg string, fields ...zap.Field)  { l.inner.Info(msg, fields...) }
func (l *MLogger) Warn(msg string, fields ...zap.Field)  { l.inner.Warn(msg, fields...) }
func (l *MLogger) Error(msg string, fields ...zap.Field) { l.inner.Error(msg, fields...) }

func Debug(msg string, fields ...zap.Field) { base().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { base().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base().Error(msg, fields...) }

type traceIDKey struct{}

// WithTraceID attaches a correlation id to ctx for later retrieval by Ctx().
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func traceIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(traceIDKey{}).(string)
	return v, ok && v != ""
}

var (
	_rateMu   sync.Mutex
	_rateSeen = map[string]time.Time{}
)

// RatedWarn logs a warning at most once per interval seconds for a given
// message, to avoid flooding logs from a periodic scan that keeps finding
// the same condition (e.g. a parked consumer with no work available).
func RatedWarn(interval float64, msg string, fields ...zap.Field) {
	if !allow(msg, interval) {
		return
	}
	base().Warn(msg, fields...)
}

// RatedInfo is the info-level counterpart of RatedWarn.
func RatedInfo(interval float64, msg string, fields ...zap.Field) {
	if !allow(msg, interval) {
		return
	}
	base().Info(msg, fields...)
}

func allow(key string, intervalSeconds float64) bool {
	_rateMu.Lock()
	defer _rateMu.Unlock()
	now := time.Now()
	last, ok := _rateSeen[key]
	if ok && now.Sub(last).Seconds() < intervalSeconds {
		return false
	}
	_rateSeen[key] = now
	return true
}
