package ui

import (
	"os"
	"path/filepath"

	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/procutil"
)

// openLogFile opens the log file with the desktop's default viewer.
func openLogFile() {
	logPath := logger.GetLogPath()
	if logPath == "" {
		logger.Warning("No log file to open")
		return
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		os.MkdirAll(filepath.Dir(logPath), 0755)
		os.WriteFile(logPath, []byte("hostswitch log\n"), 0644)
	}
	cmd := procutil.HideWindow(openCommand(logPath))
	if err := cmd.Start(); err != nil {
		logger.Error("Failed to open log file: %v", err)
		return
	}
	go cmd.Wait()
}
