//go:build windows

package binserver

import (
	"os"
	"os/exec"
)

func configureProcAttr(_ *exec.Cmd) {}

// Windows has no SIGTERM delivery; any stop signal terminates the process.
func signalProcess(p *os.Process, _ os.Signal) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}

func isExecutable(_ string) bool {
	return true
}
