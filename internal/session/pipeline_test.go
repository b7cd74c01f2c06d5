package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

func (h *harness) state(id string) status.State {
	h.t.Helper()
	d, ok := h.mgr.GetByID(id)
	require.True(h.t, ok)
	return d.State
}

func TestBusyToIdleDebounce(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("\x1b[1mEsc to interrupt\x1b[0m")
	h.loop.Drain()
	assert.Equal(t, status.StateBusy, h.state(d.ID))

	proc.emit("plain line of output")
	h.loop.Drain()
	assert.Equal(t, status.StateBusy, h.state(d.ID))

	h.advance(499 * time.Millisecond)
	assert.Equal(t, status.StateBusy, h.state(d.ID))

	h.advance(time.Millisecond)
	assert.Equal(t, status.StateIdle, h.state(d.ID))

	changed := h.rec.ofType(EventStateChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, status.StateIdle, changed[0].Session.State)
}

func TestIdleTimerNotRestartedByLaterChunks(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("first")
	h.loop.Drain()
	h.advance(300 * time.Millisecond)

	proc.emit("second")
	h.loop.Drain()
	assert.Equal(t, 1, h.clock.Pending())

	h.advance(200 * time.Millisecond)
	assert.Equal(t, status.StateIdle, h.state(d.ID), "timer armed by the first chunk is not extended")
}

func TestInterruptHintCancelsIdleTimer(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("output")
	h.loop.Drain()
	require.Equal(t, 1, h.clock.Pending())

	h.advance(400 * time.Millisecond)
	proc.emit("esc to interrupt")
	h.loop.Drain()
	assert.Equal(t, 0, h.clock.Pending())

	h.advance(time.Second)
	assert.Equal(t, status.StateBusy, h.state(d.ID))
}

func TestCancelledTimerThatAlreadyFiredDoesNotRun(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("output")
	h.loop.Drain()

	// The clock fires, queueing the idle callback on the loop.
	h.clock.Advance(500 * time.Millisecond)
	// A prompt is handled before the queued callback runs and cancels it.
	h.mgr.handleData(d.ID, []byte("Do you want to proceed? (y/n)"))
	h.loop.Drain()

	assert.Equal(t, status.StateWaitingInput, h.state(d.ID))
	changed := h.rec.ofType(EventStateChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, status.StateWaitingInput, changed[0].Session.State)
}

func TestIdleSkippedWhenProcessDead(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("output")
	h.loop.Drain()
	proc.kill()

	h.advance(time.Second)
	assert.Equal(t, status.StateBusy, h.state(d.ID))
}

func TestWaitingPromptImmediate(t *testing.T) {
	for _, from := range []string{"idle", "busy", "waiting"} {
		t.Run(from, func(t *testing.T) {
			h := newHarness(t)
			d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
			proc := h.spawner.last()

			switch from {
			case "idle":
				proc.emit("x")
				h.loop.Drain()
				h.advance(time.Second)
				require.Equal(t, status.StateIdle, h.state(d.ID))
			case "waiting":
				proc.emit("(y/n)")
				h.loop.Drain()
				require.Equal(t, status.StateWaitingInput, h.state(d.ID))
			}

			proc.emit("│ Do you want to make this edit?")
			h.loop.Drain()
			assert.Equal(t, status.StateWaitingInput, h.state(d.ID))
		})
	}
}

func TestBorderRedrawKeepsWaiting(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("Do you want to proceed?")
	proc.emit("╰────────────╯")
	proc.emit("╰────────────╯")
	h.loop.Drain()

	assert.Equal(t, status.StateWaitingInput, h.state(d.ID))
	assert.Len(t, h.rec.ofType(EventStateChanged), 1)
}

func TestWhitespaceChunksSkipClassification(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.emit("\x1b[2K\r\n   ")
	h.loop.Drain()
	assert.Equal(t, 0, h.clock.Pending(), "blank chunk must not arm the idle timer")
}

func TestShellSessionsAreNotClassified(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	proc := h.spawner.last()

	proc.emit("Do you want to continue? (y/n)")
	proc.emit("esc to interrupt")
	h.loop.Drain()
	assert.Equal(t, status.StateIdle, h.state(d.ID))
	assert.Empty(t, h.rec.ofType(EventStateChanged))
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	d, _, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, status.StateBusy, d.State)
	proc := h.spawner.last()

	proc.emit("Esc to interrupt")
	h.loop.Drain()
	assert.Equal(t, status.StateBusy, h.state(d.ID))

	proc.emit("Here is the summary of the change.")
	h.loop.Drain()
	h.advance(500 * time.Millisecond)
	assert.Equal(t, status.StateIdle, h.state(d.ID))

	proc.emit("Do you want to proceed? (y/n)")
	h.loop.Drain()
	assert.Equal(t, status.StateWaitingInput, h.state(d.ID))
}
