//go:build !windows

package binserver

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr starts the server in its own process group so that
// signals reach any children it spawns.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess signals the whole process group, falling back to the
// process itself.
func signalProcess(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		return p.Signal(sig)
	}
	return nil
}

func killProcess(p *os.Process) error {
	return signalProcess(p, syscall.SIGKILL)
}

func isExecutable(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}
