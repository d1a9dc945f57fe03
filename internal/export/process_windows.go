//go:build windows

package export

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalProcess kills p; Windows has no deliverable SIGTERM.
func signalProcess(p *os.Process, _ os.Signal) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
