// Package logger provides centralized logging for hostswitch processes
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

// Options controls where and how a process logs.
type Options struct {
	// Dir overrides the platform log directory.
	Dir string
	// Name is the log file name, e.g. "hostswitchd.log".
	Name string
	// Debug enables Debug output.
	Debug bool
	// CaptureStderr redirects stderr into the log file so panics are kept.
	// Only the supervisor sets this; CLI contexts print errors to stderr.
	CaptureStderr bool
}

var (
	logFile   *os.File
	logMutex  sync.Mutex
	logPath   string
	debugOn   bool
	listeners []func(string)
	listMutex sync.RWMutex
)

// Init initializes the logger
func Init(opts Options) error {
	logMutex.Lock()
	defer logMutex.Unlock()

	dir := opts.Dir
	if dir == "" {
		dir = getLogDir()
	}
	name := opts.Name
	if name == "" {
		name = "hostswitch.log"
	}
	logPath = filepath.Join(dir, name)
	debugOn = opts.Debug

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f

	if opts.CaptureStderr {
		redirectStderr(f)
	}

	return nil
}

// Close closes the log file
func Close() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// AddListener adds a callback that receives log messages
func AddListener(fn func(string)) {
	listMutex.Lock()
	defer listMutex.Unlock()
	listeners = append(listeners, fn)
}

// Log writes a log message
func Log(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%s] %s", timestamp, message)

	logMutex.Lock()
	if logFile != nil {
		logFile.WriteString(line + "\n")
	}
	logMutex.Unlock()

	listMutex.RLock()
	for _, fn := range listeners {
		go fn(line)
	}
	listMutex.RUnlock()
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	Log("INFO: "+format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	Log("ERROR: "+format, args...)
}

// Debug logs a debug message when debug output is enabled
func Debug(format string, args ...interface{}) {
	logMutex.Lock()
	on := debugOn
	logMutex.Unlock()
	if !on {
		return
	}
	Log("DEBUG: "+format, args...)
}

// Warning logs a warning message
func Warning(format string, args ...interface{}) {
	Log("WARN: "+format, args...)
}

// Policy logs a policy lifecycle event (recompute, apply, clear).
func Policy(format string, args ...interface{}) {
	Log("POLICY: "+format, args...)
}

// GetLogPath returns the path to the log file
func GetLogPath() string {
	logMutex.Lock()
	defer logMutex.Unlock()
	return logPath
}

// Recover should be deferred at the top of every goroutine to catch panics.
// Usage: go func() { defer logger.Recover("myGoroutine"); ... }()
func Recover(name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		msg := fmt.Sprintf("PANIC in %s: %v\n%s", name, r, stack)
		Error("%s", msg)
		logMutex.Lock()
		if logFile != nil {
			logFile.WriteString(fmt.Sprintf("[%s] FATAL PANIC: %s\n",
				time.Now().Format("2006-01-02 15:04:05"), msg))
			logFile.Sync()
		}
		logMutex.Unlock()
	}
}

// SafeGo launches a goroutine with panic recovery.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// ReadLogs reads the log file contents
func ReadLogs() (string, error) {
	path := GetLogPath()
	if path == "" {
		path = filepath.Join(getLogDir(), "hostswitch.log")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ClearLogs truncates the log file
func ClearLogs() error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if logPath == "" {
		return nil
	}
	if logFile != nil {
		logFile.Close()
	}

	if err := os.WriteFile(logPath, []byte{}, 0644); err != nil {
		return err
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	logFile = f
	return nil
}
