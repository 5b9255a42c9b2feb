// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"os"
	"strings"

	"github.com/decred/slog"
	"google.golang.org/grpc/grpclog"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log = slog.Disabled

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// UseGrpcLogger sets the subsystem logger and routes gRPC's internal
// logging through it as well.
func UseGrpcLogger(l slog.Logger) {
	grpclog.SetLoggerV2(grpcLogger{l})
	log = l
}

// grpcLogger implements grpclog.LoggerV2 on top of a slog.Logger.  gRPC's
// info chatter is demoted to debug.
type grpcLogger struct {
	slog.Logger
}

func trim(args []interface{}) []interface{} {
	if len(args) == 0 {
		return args
	}
	if s, ok := args[0].(string); ok {
		args[0] = strings.TrimPrefix(s, "grpc: ")
	}
	return args
}

func (l grpcLogger) Info(args ...interface{})   { l.Debug(trim(args)...) }
func (l grpcLogger) Infoln(args ...interface{}) { l.Debug(trim(args)...) }
func (l grpcLogger) Infof(format string, args ...interface{}) {
	l.Debugf(strings.TrimPrefix(format, "grpc: "), args...)
}

func (l grpcLogger) Warning(args ...interface{})   { l.Warn(trim(args)...) }
func (l grpcLogger) Warningln(args ...interface{}) { l.Warn(trim(args)...) }
func (l grpcLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(strings.TrimPrefix(format, "grpc: "), args...)
}

func (l grpcLogger) Errorln(args ...interface{}) { l.Error(trim(args)...) }

func (l grpcLogger) Fatal(args ...interface{}) {
	l.Critical(trim(args)...)
	os.Exit(1)
}

func (l grpcLogger) Fatalln(args ...interface{}) {
	l.Critical(trim(args)...)
	os.Exit(1)
}

func (l grpcLogger) Fatalf(format string, args ...interface{}) {
	l.Criticalf(strings.TrimPrefix(format, "grpc: "), args...)
	os.Exit(1)
}

// V reports whether verbosity level v is enabled.  gRPC uses 0 for info, 1
// for warnings and 2 for errors.
func (l grpcLogger) V(v int) bool {
	switch {
	case v <= 0:
		return l.Level() <= slog.LevelDebug
	case v == 1:
		return l.Level() <= slog.LevelWarn
	}
	return l.Level() <= slog.LevelError
}
