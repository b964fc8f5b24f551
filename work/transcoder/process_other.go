//go:build !unix

package transcoder

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.Signal(15)
	sigKill = syscall.Signal(9)
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no process groups to work with here; both signals kill
// the direct child.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
