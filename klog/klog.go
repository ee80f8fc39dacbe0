// Package klog is the kernel's diagnostic logger. It wraps log/slog with
// printf-style helpers and a handful of event functions for the state
// transitions worth grepping for in a trace. Diagnostics are distinct from
// console output: what a user process prints goes to the emulated VGA and
// serial devices, never through this package.
package klog

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Configure routes the log to a file under dir (created if missing) and
// sets the level. An empty dir leaves output on stderr.
func Configure(dir, name, level string) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(filepath.Join(dir, name+".log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
		if err != nil {
			return err
		}
		log.SetOutput(logFile)
	}

	slog.SetLogLoggerLevel(parseLevel(level))
	log.SetFlags(log.Lmicroseconds)

	Info("logger %s configured", name)
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Info(format string, args ...any) {
	slog.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	slog.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...))
}

// ProcessCreated records a new PCB entering the system.
func ProcessCreated(pid uint32, name string) {
	Info("## (%d) process created: %s", pid, name)
}

// StateChange records a PCB state transition.
func StateChange(pid uint32, from, to string) {
	Info("## (%d) %s -> %s", pid, from, to)
}

// ContextSwitch records the scheduler handing the CPU over.
func ContextSwitch(from, to uint32) {
	Debug("## context switch %d -> %d", from, to)
}

// SyscallInvoked records a system call arriving at the dispatcher.
func SyscallInvoked(pid uint32, name string) {
	Debug("## (%d) syscall: %s", pid, name)
}

// ProcessExited records a process leaving the system.
func ProcessExited(pid uint32, code int32) {
	Info("## (%d) exited with code %d", pid, code)
}
