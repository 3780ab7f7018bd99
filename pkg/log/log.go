// Copyright 2016 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides leveled logging on top of zap with some extensions:
//   - verbosity levels
//   - global verbosity setting that can be used by multiple packages
//   - ability to switch between console and JSON encoding
//   - ability to cache recent output in memory
package log

import (
	"bytes"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagV        = flag.Int("vv", 0, "verbosity")
	flagJSON     = flag.Bool("log-json", false, "emit logs as JSON lines")
	mu           sync.Mutex
	sink         *zap.SugaredLogger
	cacheMem     int
	cacheMaxMem  int
	cachePos     int
	cacheEntries []string
	prependTime  = true // for testing
)

// newLogger builds the zap logger used as the output sink.
func newLogger(jsonOutput bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if jsonOutput {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return cfg.Build()
}

// setLogger replaces the output sink.
// Passing nil restores the default lazily constructed logger.
func setLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		sink = nil
		return
	}
	sink = l.Sugar()
}

// SetVerbosity overrides the -vv flag value.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	*flagV = v
}

// V reports whether messages at level v are emitted.
func V(v int) bool {
	mu.Lock()
	defer mu.Unlock()
	return v <= *flagV
}

func output() *zap.SugaredLogger {
	if sink == nil {
		l, err := newLogger(*flagJSON)
		if err != nil {
			l = zap.NewNop()
		}
		sink = l.Sugar()
	}
	return sink
}

// EnableLogCaching enables in memory caching of log output.
// Caches up to maxLines, but no more than maxMem bytes.
// Cached output can later be queried with CachedLogOutput.
func EnableLogCaching(maxLines, maxMem int) {
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	mu.Lock()
	if cacheEntries != nil {
		mu.Unlock()
		Fatalf("log caching is already enabled")
		return
	}
	defer mu.Unlock()
	cacheMaxMem = maxMem
	cacheEntries = make([]string, maxLines)
}

// CachedLogOutput retrieves cached log output.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := range cacheEntries {
		pos := (cachePos + i) % len(cacheEntries)
		if cacheEntries[pos] == "" {
			continue
		}
		buf.WriteString(cacheEntries[pos])
		buf.Write([]byte{'\n'})
	}
	return buf.String()
}

func Logf(v int, msg string, args ...interface{}) {
	mu.Lock()
	doLog := v <= *flagV
	if cacheEntries != nil && v <= 1 {
		cacheMem -= len(cacheEntries[cachePos])
		if cacheMem < 0 {
			panic("log cache size underflow")
		}
		timeStr := ""
		if prependTime {
			timeStr = time.Now().Format("2006/01/02 15:04:05 ")
		}
		cacheEntries[cachePos] = fmt.Sprintf(timeStr+msg, args...)
		cacheMem += len(cacheEntries[cachePos])
		cachePos++
		if cachePos == len(cacheEntries) {
			cachePos = 0
		}
		for i := 0; i < len(cacheEntries)-1 && cacheMem > cacheMaxMem; i++ {
			pos := (cachePos + i) % len(cacheEntries)
			cacheMem -= len(cacheEntries[pos])
			cacheEntries[pos] = ""
		}
		if cacheMem < 0 {
			panic("log cache size underflow")
		}
	}
	var out *zap.SugaredLogger
	if doLog {
		out = output()
	}
	mu.Unlock()

	if out == nil {
		return
	}
	if v == 0 {
		out.Infof(msg, args...)
	} else {
		out.Debugf(msg, args...)
	}
}

// Errorf logs regardless of verbosity.
func Errorf(msg string, args ...interface{}) {
	mu.Lock()
	out := output()
	mu.Unlock()
	out.Errorf(msg, args...)
}

func Fatal(err error) {
	Fatalf("%v", err)
}

func Fatalf(msg string, args ...interface{}) {
	mu.Lock()
	out := output()
	mu.Unlock()
	out.Fatalf(msg, args...)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.Lock()
	out := sink
	mu.Unlock()
	if out != nil {
		out.Sync()
	}
}
