package kernel

import (
	"time"

	"inspectkernel/internal/wire"
	"inspectkernel/pkg/launcher"
)

// StateKind is the tag of the session's four-variant state machine:
// Initialized -> Running -> Paused -> Terminated, with Running <-> Paused
// cycling any number of times before a terminal Terminated.
type StateKind int

const (
	StateInitialized StateKind = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (k StateKind) String() string {
	switch k {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Frame is one call frame of a paused stack. File is an absolute path;
// Line is 1-indexed and Column 0-indexed, both already translated from
// CDP's 0-indexed wire convention (and through a source map, when one
// applies).
type Frame struct {
	CallFrameID  string
	FunctionName string
	File         string
	Line         int
	Column       int
	ScopeChain   []wire.Scope
}

func cloneFrames(in []Frame) []Frame {
	if in == nil {
		return nil
	}
	out := make([]Frame, len(in))
	copy(out, in)
	return out
}

// PauseInfo is the payload carried by the Paused state variant.
type PauseInfo struct {
	CallFrames     []Frame
	Reason         string
	HitBreakpoints []string
}

func (p *PauseInfo) clone() *PauseInfo {
	if p == nil {
		return nil
	}
	c := *p
	c.CallFrames = cloneFrames(p.CallFrames)
	c.HitBreakpoints = append([]string(nil), p.HitBreakpoints...)
	return &c
}

// TerminatedInfo is the payload carried by the Terminated state variant.
type TerminatedInfo struct {
	ExitCode *int
	Signal   string
	Err      error
}

func (t *TerminatedInfo) clone() *TerminatedInfo {
	if t == nil {
		return nil
	}
	c := *t
	if t.ExitCode != nil {
		code := *t.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// State is a snapshot of the session's state machine. Only the field
// matching Kind is meaningful.
type State struct {
	Kind       StateKind
	Pause      *PauseInfo
	Terminated *TerminatedInfo
}

func (s State) clone() State {
	return State{Kind: s.Kind, Pause: s.Pause.clone(), Terminated: s.Terminated.clone()}
}

// Config is the session's immutable launch configuration.
type Config struct {
	Command        string
	Args           []string
	Dir            string
	StartupTimeout time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithDir sets the child process's working directory.
func WithDir(dir string) Option {
	return func(c *Config) { c.Dir = dir }
}

// WithStartupTimeout bounds how long Start waits for the child to announce
// its inspector URL. The launcher's own launcher.StartupDeadline still
// applies, so only a value shorter than that deadline changes the wait.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *Config) { c.StartupTimeout = d }
}

// NewConfig builds a Config from a command, its arguments, and options.
func NewConfig(command string, args []string, opts ...Option) Config {
	cfg := Config{Command: command, Args: args}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func launcherConfig(cfg Config) launcher.Config {
	return launcher.Config{Command: cfg.Command, Args: cfg.Args, Dir: cfg.Dir}
}
