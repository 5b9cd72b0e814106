// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package log

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *GatewayLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. Even if setting up the logger is one of the first
	// things the agent does, we still load the configuration and resolve
	// the log level before that point.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// GatewayLogger is a wrapper structure for seelog
type GatewayLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &GatewayLogger{inner: l}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// We're not going to call the inner logger directly but through the
	// exported functions below, which adds two frames to the stack trace
	// that must be skipped to report the original caller.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	// Flush the lines buffered before initialization
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

// ChangeLogLevel changes the current log level; valid levels are trace,
// debug, info, warn, error and critical.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change log level: logger not initialized")
	}

	logger.l.Lock()
	defer logger.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}
	logger.level = lvl
	return nil
}

// GetLogLevel returns the current log level
func GetLogLevel() string {
	if logger == nil {
		return "info"
	}

	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level.String()
}

func (sw *GatewayLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return level >= sw.level
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer []string
	for range v {
		fmtBuffer = append(fmtBuffer, "%v")
	}
	return fmt.Sprintf(strings.Join(fmtBuffer, " "), v...)
}

func logBase(level seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.RLock()
		defer logger.l.RUnlock()
		logFunc(buildLogEntry(v...))
	}
}

func logWithError(level seelog.LogLevel, bufferFunc func(), logFunc func(string) error, fallbackStderr bool, v ...interface{}) error {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
		return errors.New(buildLogEntry(v...))
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.RLock()
		defer logger.l.RUnlock()
		return logFunc(buildLogEntry(v...))
	}
	err := errors.New(buildLogEntry(v...))
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", level.String(), err.Error())
	}
	return err
}

func logFormat(level seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.RLock()
		defer logger.l.RUnlock()
		logFunc(format, params...)
	}
}

func logFormatWithError(level seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}) error, format string, fallbackStderr bool, params ...interface{}) error {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(bufferFunc)
		return fmt.Errorf(format, params...)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.RLock()
		defer logger.l.RUnlock()
		return logFunc(format, params...)
	}
	err := fmt.Errorf(format, params...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", level.String(), err.Error())
	}
	return err
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logBase(seelog.TraceLvl, func() { Trace(v...) }, func(s string) { logger.inner.Trace(s) }, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, func(f string, p ...interface{}) { logger.inner.Tracef(f, p...) }, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logBase(seelog.DebugLvl, func() { Debug(v...) }, func(s string) { logger.inner.Debug(s) }, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Debugf(f, p...) }, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	logBase(seelog.InfoLvl, func() { Info(v...) }, func(s string) { logger.inner.Info(s) }, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, func(f string, p ...interface{}) { logger.inner.Infof(f, p...) }, format, params...)
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	return logWithError(seelog.WarnLvl, func() { Warn(v...) }, func(s string) error { return logger.inner.Warn(s) }, false, v...)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, func(f string, p ...interface{}) error { return logger.inner.Warnf(f, p...) }, format, false, params...)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	return logWithError(seelog.ErrorLvl, func() { Error(v...) }, func(s string) error { return logger.inner.Error(s) }, true, v...)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, func(f string, p ...interface{}) error { return logger.inner.Errorf(f, p...) }, format, true, params...)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	return logWithError(seelog.CriticalLvl, func() { Critical(v...) }, func(s string) error { return logger.inner.Critical(s) }, true, v...)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, func(f string, p ...interface{}) error { return logger.inner.Criticalf(f, p...) }, format, true, params...)
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

// ReplaceLogger allows replacing the internal logger; returns the old logger
func ReplaceLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	if logger == nil || logger.inner == nil {
		return nil
	}

	logger.l.Lock()
	defer logger.l.Unlock()
	old := logger.inner
	logger.inner = l
	return old
}
