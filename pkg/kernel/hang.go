package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// hangSampleThreshold is how many consecutive identical (file, line)
// samples the periodic sampler requires before declaring an infinite loop.
const hangSampleThreshold = 3

// HangConfig configures one disposable DetectHang run.
type HangConfig struct {
	Command        string
	Args           []string
	Dir            string
	Timeout        time.Duration
	SampleInterval time.Duration // 0 disables the periodic sampler
}

// HangResult is DetectHang's outcome.
type HangResult struct {
	Hung      bool
	Completed bool
	ExitCode  int
	Duration  time.Duration
	Location  string
	Stack     []Frame
	Message   string
}

// DetectHang launches a disposable session, resumes past the initial
// --inspect-brk pause, and races natural termination against a deadline
// (and, if SampleInterval is set, a sampler that catches a tight loop
// before the deadline fires). The session is always cleaned up.
func DetectHang(ctx context.Context, cfg HangConfig, log *zap.Logger) (HangResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	session := New(Config{Command: cfg.Command, Args: cfg.Args, Dir: cfg.Dir}, log)
	defer session.Cleanup()

	if err := session.Start(ctx); err != nil {
		return HangResult{}, err
	}

	start := time.Now()
	session.mu.Lock()
	session.setStateLocked(State{Kind: StateRunning})
	session.mu.Unlock()
	if _, err := session.send(ctx, "Debugger.resume", nil); err != nil {
		return HangResult{}, err
	}

	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()

	var sampleDone chan struct{}
	hungBySample := make(chan HangResult, 1)
	if cfg.SampleInterval > 0 {
		sampleDone = make(chan struct{})
		go session.sampleForHang(cfg.SampleInterval, sampleDone, hungBySample)
		defer close(sampleDone)
	}

	termCh := make(chan State, 1)
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		if st, err := session.waitForState(waitCtx, func(st State) bool { return st.Kind == StateTerminated }); err == nil {
			termCh <- st
		}
	}()

	select {
	case st := <-termCh:
		return HangResult{Completed: true, ExitCode: exitCodeOf(st.Terminated), Duration: time.Since(start)}, nil
	case res := <-hungBySample:
		res.Duration = time.Since(start)
		return res, nil
	case <-deadline.C:
		res, err := session.forcePauseForHang(ctx, "execution exceeded timeout")
		res.Duration = time.Since(start)
		return res, err
	case <-ctx.Done():
		return HangResult{}, ctx.Err()
	}
}

func exitCodeOf(t *TerminatedInfo) int {
	if t != nil && t.ExitCode != nil {
		return *t.ExitCode
	}
	return 0
}

// forcePauseForHang issues Debugger.pause and reports the resulting stack,
// or the process's exit if it terminated before the pause landed.
func (s *Session) forcePauseForHang(ctx context.Context, reason string) (HangResult, error) {
	if _, err := s.send(ctx, "Debugger.pause", nil); err != nil {
		return HangResult{}, err
	}
	st, err := s.waitForState(ctx, isTerminalOrPaused)
	if err != nil {
		return HangResult{}, err
	}
	if st.Kind == StateTerminated {
		return HangResult{Completed: true, ExitCode: exitCodeOf(st.Terminated)}, nil
	}
	if len(st.Pause.CallFrames) == 0 {
		return HangResult{Hung: true, Message: reason}, nil
	}
	top := st.Pause.CallFrames[0]
	return HangResult{
		Hung:     true,
		Location: fmt.Sprintf("%s:%d", top.File, top.Line),
		Stack:    cloneFrames(st.Pause.CallFrames),
		Message:  fmt.Sprintf("%s at %s", reason, top.File),
	}, nil
}

// sampleForHang pauses at every interval, records the top frame's
// (file, line), and resumes. Three consecutive identical samples are
// reported as an infinite loop before the outer deadline fires.
func (s *Session) sampleForHang(interval time.Duration, done <-chan struct{}, out chan<- HangResult) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastLoc string
	consecutive := 0

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			loc, stack, ok := s.sampleOnce(interval)
			if !ok {
				continue
			}
			if loc == lastLoc {
				consecutive++
			} else {
				consecutive = 1
				lastLoc = loc
			}
			if consecutive >= hangSampleThreshold {
				select {
				case out <- HangResult{Hung: true, Location: loc, Stack: stack, Message: fmt.Sprintf("infinite loop detected at %s", loc)}:
				default:
				}
				return
			}
		}
	}
}

// sampleOnce pauses, captures the top frame, and resumes, returning false
// if the pause or resume did not complete within the interval.
func (s *Session) sampleOnce(interval time.Duration) (loc string, stack []Frame, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	if _, err := s.send(ctx, "Debugger.pause", nil); err != nil {
		return "", nil, false
	}
	st, err := s.waitForState(ctx, isTerminalOrPaused)
	if err != nil || st.Kind != StatePaused || len(st.Pause.CallFrames) == 0 {
		return "", nil, false
	}
	top := st.Pause.CallFrames[0]
	loc = fmt.Sprintf("%s:%d", top.File, top.Line)
	stack = cloneFrames(st.Pause.CallFrames)

	s.mu.Lock()
	if s.state.Kind == StatePaused {
		s.setStateLocked(State{Kind: StateRunning})
	}
	s.mu.Unlock()
	if _, err := s.send(context.Background(), "Debugger.resume", nil); err != nil {
		return "", nil, false
	}
	return loc, stack, true
}
