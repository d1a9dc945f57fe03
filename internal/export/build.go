package export

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	u "deckpdf/internal/utils"
)

// CommandRunner runs a command to completion. A non-nil error means it failed.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// RunInherited runs the command with the caller's stdin and stderr attached.
// Its stdout also goes to stderr so the result line stays alone on stdout.
func RunInherited(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// BuildReady reports whether dir exists, is a directory and can be listed.
func BuildReady(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = f.Readdirnames(1)
	// An empty but readable directory still counts as present.
	return err == nil || errors.Is(err, io.EOF)
}

// EnsureBuild runs command once when dir is not a readable directory.
func EnsureBuild(ctx context.Context, dir string, command []string, run CommandRunner) error {
	if BuildReady(dir) {
		u.Debug("Build artifact present", "dir", dir)
		return nil
	}
	if len(command) == 0 {
		return &BuildError{Command: command, Cause: errors.New("no build command configured")}
	}
	if run == nil {
		run = RunInherited
	}

	u.Info("Build artifact missing, running build", "dir", dir, "command", command)
	if err := run(ctx, command[0], command[1:]...); err != nil {
		return &BuildError{Command: command, Cause: err}
	}
	return nil
}
