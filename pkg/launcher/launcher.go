// Package launcher spawns the target JS runtime with the inspector
// enabled, scrapes the inspector's WebSocket URL from its early stderr,
// and surfaces the child's exit.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// inspectorURLPattern matches the "Debugger listening on ws://..." line
// Node-compatible runtimes print to stderr when --inspect-brk is set.
var inspectorURLPattern = regexp.MustCompile(`ws://127\.0\.0\.1:\d+/[a-f0-9-]+`)

// StartupDeadline bounds how long the launcher waits for the inspector URL
// to appear on the child's stderr before declaring LaunchFailed.
const StartupDeadline = 5 * time.Second

// Config is the immutable launch configuration.
type Config struct {
	Command string
	Args    []string
	Dir     string // optional working directory
}

// LaunchFailedError reports that the child could not start, or did not
// announce an inspector URL before timeout or exit.
type LaunchFailedError struct {
	Reason   string
	ExitCode int
}

func (e *LaunchFailedError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("launch failed: %s (exit code %d)", e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("launch failed: %s", e.Reason)
}

// Process is a launched child and the inspector URL scraped from its
// stderr.
type Process struct {
	LaunchID string
	Cmd      *exec.Cmd
	WSURL    string

	log *zap.Logger

	exitMu   sync.Mutex
	exited   bool
	exitCode *int
	signal   string
	waitErr  error
	doneCh   chan struct{}
}

// Launch prepends the inspector flags to args, starts the command, and
// blocks until the inspector URL is scraped from stderr, the child exits,
// or StartupDeadline elapses.
func Launch(ctx context.Context, cfg Config, log *zap.Logger) (*Process, error) {
	if log == nil {
		log = zap.NewNop()
	}
	launchID := uuid.NewString()

	args := append([]string{"--inspect-brk=0", "--enable-source-maps"}, cfg.Args...)
	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), "NODE_OPTIONS=--enable-source-maps")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchFailedError{Reason: fmt.Sprintf("stderr pipe: %v", err)}
	}
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, &LaunchFailedError{Reason: fmt.Sprintf("exec: %v", err)}
	}
	log.Info("launched target process", zap.String("launch_id", launchID), zap.Int("pid", cmd.Process.Pid))

	p := &Process{
		LaunchID: launchID,
		Cmd:      cmd,
		log:      log,
		doneCh:   make(chan struct{}),
	}

	go p.waitForExit()

	urlCh := make(chan string, 1)
	scanErrCh := make(chan error, 1)
	go scrapeStderr(stderr, urlCh, scanErrCh)

	timer := time.NewTimer(StartupDeadline)
	defer timer.Stop()

	select {
	case url := <-urlCh:
		p.WSURL = url
		return p, nil
	case <-p.doneCh:
		code := 0
		if p.exitCode != nil {
			code = *p.exitCode
		}
		return nil, &LaunchFailedError{Reason: "exit before inspector url", ExitCode: code}
	case <-timer.C:
		cmd.Process.Kill()
		return nil, &LaunchFailedError{Reason: "timeout"}
	case <-ctx.Done():
		cmd.Process.Kill()
		return nil, &LaunchFailedError{Reason: ctx.Err().Error()}
	}
}

func scrapeStderr(r io.Reader, urlCh chan<- string, errCh chan<- error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := inspectorURLPattern.FindString(line); m != "" {
			urlCh <- m
			// Leave the remainder of stderr to the caller.
			return
		}
	}
	if err := scanner.Err(); err != nil {
		errCh <- err
	}
}

func (p *Process) waitForExit() {
	err := p.Cmd.Wait()
	p.exitMu.Lock()
	p.exited = true
	p.waitErr = err
	if p.Cmd.ProcessState != nil {
		code := p.Cmd.ProcessState.ExitCode()
		p.exitCode = &code
	}
	p.exitMu.Unlock()
	close(p.doneCh)
}

// Done returns a channel closed when the child process exits.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// ExitInfo reports exit code and error after the process has exited; the
// second return value is false while the process is still running.
func (p *Process) ExitInfo() (exitCode int, err error, ok bool) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if !p.exited {
		return 0, nil, false
	}
	code := 0
	if p.exitCode != nil {
		code = *p.exitCode
	}
	return code, p.waitErr, true
}

// Kill forcefully terminates the child, if still alive.
func (p *Process) Kill() error {
	p.exitMu.Lock()
	exited := p.exited
	p.exitMu.Unlock()
	if exited {
		return nil
	}
	if p.Cmd.Process == nil {
		return errors.New("launcher: process never started")
	}
	return p.Cmd.Process.Kill()
}
