package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	u "deckpdf/internal/utils"
)

// ServerProcess is the preview server child owned by one export run.
type ServerProcess interface {
	// Start spawns the process without waiting for it.
	Start(ctx context.Context) error
	// IsRunning is true between a successful Start and process exit.
	IsRunning() bool
	// Terminate signals the process and waits for it to go away. Only the first
	// call acts; later calls return the first result.
	Terminate(sig os.Signal) error
}

// ExecProcess is a ServerProcess backed by os/exec. On Unix it runs in its own
// process group so a wrapper such as pnpm and the vite it spawns are stopped together.
type ExecProcess struct {
	Name   string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	// Grace is how long Terminate waits after sig before killing the group.
	Grace time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error

	termOnce sync.Once
	termErr  error
}

// NewExecProcess builds an unstarted process for argv.
func NewExecProcess(argv []string, grace time.Duration) *ExecProcess {
	p := &ExecProcess{Grace: grace, Stdout: os.Stderr, Stderr: os.Stderr}
	if len(argv) > 0 {
		p.Name = argv[0]
		p.Args = argv[1:]
	}
	return p
}

func (p *ExecProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("process already started")
	}
	if p.Name == "" {
		return errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(p.Name, p.Args...)
	cmd.Dir = p.Dir
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Name, err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
	}(p.done)

	u.Debug("Preview server spawned", "pid", cmd.Process.Pid, "command", p.String())
	return nil
}

func (p *ExecProcess) IsRunning() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// ExitErr returns the result of Wait once the process has exited.
func (p *ExecProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *ExecProcess) Terminate(sig os.Signal) error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate(sig)
	})
	return p.termErr
}

func (p *ExecProcess) terminate(sig os.Signal) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	// The group is signalled even when the leader has already exited, so
	// grandchildren left behind by a wrapper still receive sig.
	if err := signalProcess(cmd.Process, sig); err != nil {
		return fmt.Errorf("signal preview server: %w", err)
	}

	grace := p.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		u.Debug("Preview server stopped", "pid", cmd.Process.Pid)
		return nil
	case <-timer.C:
	}

	u.Warn("Preview server ignored termination signal, killing", "pid", cmd.Process.Pid, "grace", grace.String())
	if err := signalProcess(cmd.Process, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill preview server: %w", err)
	}
	<-done
	return nil
}

func (p *ExecProcess) String() string {
	return strings.TrimSpace(p.Name + " " + strings.Join(p.Args, " "))
}

// PreviewCommand expands {host}, {port} and {dir} in argv.
func PreviewCommand(argv []string, host string, port int, dir string) []string {
	out := make([]string, len(argv))
	r := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port), "{dir}", dir)
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// BuiltinPreviewCommand re-executes the running binary's serve subcommand.
func BuiltinPreviewCommand(host string, port int, dir string) ([]string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return []string{self, "serve", "--dir", dir, "--host", host, "--port", strconv.Itoa(port)}, nil
}
