package kernel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inspectkernel/internal/wire"
	"inspectkernel/pkg/breakpoint"
	"inspectkernel/pkg/kernel"
)

func newStartedSession(t *testing.T, fi *fakeInspector) *kernel.Session {
	t.Helper()
	fi.on("Debugger.enable", func(conn *websocket.Conn, msg wire.Message) {
		fi.reply(conn, msg.ID, map[string]interface{}{})
		fi.event("Debugger.paused", wire.PausedEvent{
			CallFrames: []wire.CallFrame{
				pausedFrame("frame-1", "main", "file:///app/step-test.js", 4, 0),
			},
			Reason: "Break on start",
		})
	})

	target := fakeTargetCommand(t, fi)
	s := kernel.New(kernel.NewConfig(target, nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Cleanup)
	return s
}

// TestStartEntersInitialPause checks that Start awaits the initial
// Debugger.paused that --inspect-brk guarantees and reports an absolute
// file path with a 1-indexed line.
func TestStartEntersInitialPause(t *testing.T) {
	fi := newFakeInspector(t)
	s := newStartedSession(t, fi)

	st := s.GetState()
	require.Equal(t, kernel.StatePaused, st.Kind)
	require.Len(t, st.Pause.CallFrames, 1)
	assert.Equal(t, "/app/step-test.js", st.Pause.CallFrames[0].File)
	assert.Equal(t, 5, st.Pause.CallFrames[0].Line)
	assert.True(t, filepathIsAbs(st.Pause.CallFrames[0].File))
}

func filepathIsAbs(p string) bool { return len(p) > 0 && p[0] == '/' }

// TestOperationsRejectedOutsideLegalState checks that operations invoked
// outside their legal states fail with StateViolationError.
func TestOperationsRejectedOutsideLegalState(t *testing.T) {
	s := kernel.New(kernel.NewConfig("unused", nil), nil)

	_, err := s.Resume(context.Background())
	var sv *kernel.StateViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "resume", sv.Op)

	_, err = s.GetCallStack()
	require.ErrorAs(t, err, &sv)

	err2 := s.SwitchToFrame(0)
	require.ErrorAs(t, err2, &sv)
}

func TestGetCallStackReturnsDeepCopy(t *testing.T) {
	fi := newFakeInspector(t)
	s := newStartedSession(t, fi)

	frames, err := s.GetCallStack()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	frames[0].File = "/mutated"

	frames2, err := s.GetCallStack()
	require.NoError(t, err)
	assert.Equal(t, "/app/step-test.js", frames2[0].File)
}

// TestSwitchToFrameBoundsChecking checks that switching to an
// out-of-range frame index is an invalid argument.
func TestSwitchToFrameBoundsChecking(t *testing.T) {
	fi := newFakeInspector(t)
	s := newStartedSession(t, fi)

	require.NoError(t, s.SwitchToFrame(0))
	err := s.SwitchToFrame(1)
	var invalid *kernel.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

// TestResumeResetsFrameCursorAndWaitsForNextPause checks the frame-cursor
// reset together with the Running->Paused cycle.
func TestResumeResetsFrameCursorAndWaitsForNextPause(t *testing.T) {
	fi := newFakeInspector(t)
	s := newStartedSession(t, fi)

	resumed := make(chan struct{})
	fi.on("Debugger.resume", func(conn *websocket.Conn, msg wire.Message) {
		fi.reply(conn, msg.ID, map[string]interface{}{})
		close(resumed)
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Resume(context.Background())
		done <- err
	}()

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("Debugger.resume never reached the inspector")
	}

	fi.event("Debugger.paused", wire.PausedEvent{
		CallFrames: []wire.CallFrame{
			pausedFrame("frame-2", "helper", "file:///app/step-test.js", 9, 0),
		},
		Reason: "other",
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Resume did not observe the next pause")
	}

	assert.Equal(t, 0, s.CurrentFrame())
	st := s.GetState()
	require.Equal(t, kernel.StatePaused, st.Kind)
	assert.Equal(t, 10, st.Pause.CallFrames[0].Line)
}

// TestHitCountSuppressesPauseUntilConditionSatisfied checks that only the
// third hit (op=='==', value=3) surfaces a pause, and that the silent
// resumes happen without deadlocking the reader goroutine (this exercises
// the transport's per-subscriber event queues).
func TestHitCountSuppressesPauseUntilConditionSatisfied(t *testing.T) {
	fi := newFakeInspector(t)
	fi.on("Debugger.setBreakpointByUrl", func(conn *websocket.Conn, msg wire.Message) {
		fi.reply(conn, msg.ID, map[string]string{"breakpointId": "cdp-bp-1"})
	})

	s := newStartedSession(t, fi)

	bpID, err := s.SetStandardBreakpoint(context.Background(), "/app/loop.js", 10, "")
	require.NoError(t, err)
	require.NoError(t, s.SetHitCountCondition(bpID, breakpointEqualsThree()))

	resumeAcks := make(chan struct{}, 16)
	fi.on("Debugger.resume", func(conn *websocket.Conn, msg wire.Message) {
		fi.reply(conn, msg.ID, map[string]interface{}{})
		resumeAcks <- struct{}{}
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Resume(context.Background())
		done <- err
	}()
	<-resumeAcks // the explicit Resume() call's own Debugger.resume

	for hit := 1; hit <= 2; hit++ {
		fi.event("Debugger.paused", wire.PausedEvent{
			CallFrames:     []wire.CallFrame{pausedFrame("f", "loop", "file:///app/loop.js", 9, 0)},
			Reason:         "other",
			HitBreakpoints: []string{"cdp-bp-1"},
		})
		select {
		case <-resumeAcks: // kernel's own silent resume for the suppressed hit
		case <-time.After(2 * time.Second):
			t.Fatalf("silent resume for hit %d never reached the inspector (deadlock?)", hit)
		}
		select {
		case <-done:
			t.Fatalf("session surfaced a pause on hit %d, want suppressed", hit)
		case <-time.After(50 * time.Millisecond):
		}
	}

	fi.event("Debugger.paused", wire.PausedEvent{
		CallFrames:     []wire.CallFrame{pausedFrame("f", "loop", "file:///app/loop.js", 9, 0)},
		Reason:         "other",
		HitBreakpoints: []string{"cdp-bp-1"},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("third hit did not surface a pause")
	}

	bp, ok := s.GetBreakpoint(bpID)
	require.True(t, ok)
	assert.EqualValues(t, 3, bp.HitCount)
}

func TestCleanupIsIdempotentAndTransitionsToTerminated(t *testing.T) {
	fi := newFakeInspector(t)
	s := newStartedSession(t, fi)

	s.Cleanup()
	s.Cleanup()

	st := s.GetState()
	assert.Equal(t, kernel.StateTerminated, st.Kind)
}

// TestEvaluateUsesCurrentFrame checks that Evaluate targets the current
// frame's callFrameId.
func TestEvaluateUsesCurrentFrame(t *testing.T) {
	fi := newFakeInspector(t)
	var gotCallFrameID string
	fi.on("Debugger.evaluateOnCallFrame", func(conn *websocket.Conn, msg wire.Message) {
		var params struct {
			CallFrameID string `json:"callFrameId"`
			Expression  string `json:"expression"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		gotCallFrameID = params.CallFrameID
		fi.reply(conn, msg.ID, map[string]interface{}{
			"result": map[string]interface{}{"type": "number", "value": 2},
		})
	})
	s := newStartedSession(t, fi)

	result, err := s.Evaluate(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, "frame-1", gotCallFrameID)
	assert.Equal(t, "number", result.Type)
}

// TestDisconnectFailsInFlightEvaluate checks that a pending evaluate
// fails with Disconnected when the socket closes under it, that later
// operations fail with NotConnected, and that Cleanup still terminates
// the session.
func TestDisconnectFailsInFlightEvaluate(t *testing.T) {
	fi := newFakeInspector(t)
	fi.on("Debugger.evaluateOnCallFrame", func(conn *websocket.Conn, msg wire.Message) {
		// Never reply; drop the connection out from under the pending call.
		conn.Close()
	})
	s := newStartedSession(t, fi)

	_, err := s.Evaluate(context.Background(), "1+1")
	var disconnected *kernel.DisconnectedError
	require.ErrorAs(t, err, &disconnected)

	_, err = s.Evaluate(context.Background(), "1+1")
	var notConnected *kernel.NotConnectedError
	require.ErrorAs(t, err, &notConnected)

	s.Cleanup()
	assert.Equal(t, kernel.StateTerminated, s.GetState().Kind)
}

func breakpointEqualsThree() breakpoint.HitCountCondition {
	return breakpoint.HitCountCondition{Op: breakpoint.OpEqual, Value: 3}
}
