//go:build windows

package ui

import "os/exec"

func openCommand(path string) *exec.Cmd {
	return exec.Command("cmd", "/c", "start", "", path)
}
