package session

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

func TestCreateIsIdempotentWhileAlive(t *testing.T) {
	h := newHarness(t)

	first, created, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.mgr.Create("/repo/", KindAgent, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.spawner.count())
	assert.Len(t, h.rec.ofType(EventCreated), 1)
}

func TestCreateSeparateKindsAndDirs(t *testing.T) {
	h := newHarness(t)

	a, _, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	s, _, err := h.mgr.Create("/repo", KindShell, nil)
	require.NoError(t, err)
	o, _, err := h.mgr.Create("/other", KindAgent, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, s.ID)
	assert.NotEqual(t, a.ID, o.ID)
	assert.Equal(t, 3, h.mgr.Len())
}

func TestCreateReplacesDeadSession(t *testing.T) {
	h := newHarness(t)

	first, _, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	h.spawner.last().kill()

	second, created, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	_, ok := h.mgr.GetByID(first.ID)
	assert.False(t, ok)
	destroyed := h.rec.ofType(EventDestroyed)
	require.Len(t, destroyed, 1)
	assert.Equal(t, first.ID, destroyed[0].Session.ID)
}

func TestCreateSpawnFailureRegistersNothing(t *testing.T) {
	h := newHarness(t)
	h.spawner.fail = errSpawn

	_, _, err := h.mgr.Create("/repo", KindAgent, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSpawn)
	assert.Equal(t, 0, h.mgr.Len())
	_, ok := h.mgr.GetByKey("/repo", KindAgent)
	assert.False(t, ok)
	assert.Empty(t, h.rec.events)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.mgr.Create("", KindAgent, nil)
	assert.ErrorIs(t, err, ErrInvalidDir)

	_, _, err = h.mgr.Create("/repo", Kind("robot"), nil)
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestInitialStates(t *testing.T) {
	h := newHarness(t)

	a, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	s, _, _ := h.mgr.Create("/repo", KindShell, nil)
	assert.Equal(t, status.StateBusy, a.State)
	assert.Equal(t, status.StateIdle, s.State)
}

func TestCommandSelection(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.AgentArgs = []string{"--default"}

	_, _, _ = h.mgr.Create("/a", KindAgent, []string{"--resume"})
	spec := h.spawner.last().spec
	assert.Equal(t, "agent-bin", spec.Command)
	assert.Equal(t, []string{"--resume"}, spec.Args)
	assert.Equal(t, "/a", spec.Dir)

	_, _, _ = h.mgr.Create("/b", KindAgent, nil)
	assert.Equal(t, []string{"--default"}, h.spawner.last().spec.Args)

	_, _, _ = h.mgr.Create("/c", KindShell, nil)
	spec = h.spawner.last().spec
	assert.Equal(t, "/bin/testsh", spec.Command)
	assert.Equal(t, []string{"-l"}, spec.Args)

	_, _, _ = h.mgr.Create("/d", KindShell, []string{"--print"})
	spec = h.spawner.last().spec
	assert.Equal(t, "agent-bin", spec.Command)
	assert.Equal(t, []string{"--print"}, spec.Args)
}

func TestChildEnvironment(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/a", KindAgent, nil)
	env := h.spawner.last().spec.Env

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "COLORTERM=truecolor")
	assert.Contains(t, env, "TERM_PROGRAM=crewdeck")
	assert.NotContains(t, env, "TERM=dumb")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "TMUX="), "TMUX must not leak into children")
	}
	assert.Equal(t, uint16(80), h.spawner.last().spec.Cols)
	assert.Equal(t, uint16(24), h.spawner.last().spec.Rows)
}

func TestDestroyIsIdempotentAndComplete(t *testing.T) {
	h := newHarness(t)

	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()
	proc.emit("working")
	h.loop.Drain()
	h.mgr.RequestResize(d.ID, 100, 40)
	require.Equal(t, 2, h.clock.Pending(), "idle and resize timers pending")

	assert.True(t, h.mgr.Destroy(d.ID))
	assert.False(t, h.mgr.Destroy(d.ID))

	assert.Equal(t, 1, proc.killCount())
	_, ok := h.mgr.GetByID(d.ID)
	assert.False(t, ok)
	_, ok = h.mgr.GetByKey("/repo", KindAgent)
	assert.False(t, ok)
	assert.Len(t, h.rec.ofType(EventDestroyed), 1)
	assert.Equal(t, 0, h.clock.Pending(), "destroy cancels both timers")

	h.rec.reset()
	h.advance(time.Second)
	assert.Empty(t, h.rec.events)
	assert.Empty(t, proc.resizeCalls())
}

func TestDestroyAllForPath(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/repo", KindAgent, nil)
	_, _, _ = h.mgr.Create("/repo", KindShell, nil)
	other, _, _ := h.mgr.Create("/other", KindShell, nil)

	assert.Equal(t, 2, h.mgr.DestroyAllForPath("/repo"))
	assert.Equal(t, 1, h.mgr.Len())
	_, ok := h.mgr.GetByID(other.ID)
	assert.True(t, ok)
	assert.Len(t, h.rec.ofType(EventDestroyed), 2)
}

func TestListAllOrderedByCreation(t *testing.T) {
	h := newHarness(t)
	a, _, _ := h.mgr.Create("/a", KindAgent, nil)
	h.clock.Advance(time.Second)
	b, _, _ := h.mgr.Create("/b", KindShell, nil)

	list := h.mgr.ListAll()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestOutputForwardedOnlyWhenObserved(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	proc := h.spawner.last()

	proc.emit("before\x1b[6n")
	h.loop.Drain()
	assert.Empty(t, h.rec.ofType(EventOutput))

	h.mgr.SetActive("/repo", true)
	restores := h.rec.ofType(EventRestore)
	require.Len(t, restores, 1)
	assert.Equal(t, d.ID, restores[0].Session.ID)
	assert.Equal(t, "before", string(restores[0].Data), "history replay is filtered")

	proc.emit("\x1b[c")
	proc.emit("after")
	h.loop.Drain()
	outputs := h.rec.ofType(EventOutput)
	require.Len(t, outputs, 2, "chunks with no visible content are still forwarded")
	assert.Equal(t, "", string(outputs[0].Data))
	assert.Equal(t, "after", string(outputs[1].Data))

	h.mgr.SetActive("/repo", false)
	proc.emit("hidden")
	h.loop.Drain()
	assert.Len(t, h.rec.ofType(EventOutput), 2)
}

func TestSetActiveWithoutHistoryEmitsNoRestore(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/repo", KindAgent, nil)
	h.mgr.SetActive("/repo", true)
	assert.Empty(t, h.rec.ofType(EventRestore))

	d, _ := h.mgr.GetByKey("/repo", KindAgent)
	assert.True(t, d.Observed)
}

func TestHistoryAndWindowBounds(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.HistoryBytes = 1000
	h.mgr.cfg.ShortWindow = 5
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	proc := h.spawner.last()

	var all bytes.Buffer
	for i := 0; i < 40; i++ {
		chunk := strings.Repeat(string(rune('a'+i%26)), 97)
		proc.emit(chunk)
		all.WriteString(chunk)
	}
	h.loop.Drain()

	hist, ok := h.mgr.History(d.ID)
	require.True(t, ok)
	assert.Len(t, hist, 1000)
	assert.Equal(t, all.Bytes()[all.Len()-1000:], hist)

	chunks, ok := h.mgr.RecentChunks(d.ID)
	require.True(t, ok)
	require.Len(t, chunks, 5)
	assert.Equal(t, strings.Repeat("n", 97), string(chunks[4]))
}

func TestLastActivityStamped(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	h.clock.Advance(3 * time.Second)
	h.spawner.last().emit("x")
	h.loop.Drain()

	got, _ := h.mgr.GetByID(d.ID)
	assert.Equal(t, d.LastActivity.Add(3*time.Second), got.LastActivity)
}

func TestSplitRuneIsForwardedWhole(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/repo", KindShell, nil)
	h.mgr.SetActive("/repo", true)
	proc := h.spawner.last()

	euro := []byte("€")
	proc.spec.OnData(append([]byte("a"), euro[:1]...))
	proc.spec.OnData(append(euro[1:], 'b'))
	h.loop.Drain()

	outputs := h.rec.ofType(EventOutput)
	require.Len(t, outputs, 2)
	assert.Equal(t, "a", string(outputs[0].Data))
	assert.Equal(t, "€b", string(outputs[1].Data))
}

func TestWriteForwardsAndSwallowsFailures(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	proc := h.spawner.last()

	require.NoError(t, h.mgr.Write(d.ID, []byte("ls\r")))
	assert.Equal(t, "ls\r", proc.writtenString())

	proc.kill()
	assert.NoError(t, h.mgr.Write(d.ID, []byte("more")))
	assert.ErrorIs(t, h.mgr.Write("session-missing", []byte("x")), ErrSessionNotFound)
}

func TestProcessExitDestroysSession(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindAgent, nil)
	proc := h.spawner.last()

	proc.exit(2)
	h.loop.Drain()

	_, ok := h.mgr.GetByID(d.ID)
	assert.False(t, ok)

	var types []EventType
	for _, e := range h.rec.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventCreated, EventStateChanged, EventDestroyed, EventExited}, types)
	changed := h.rec.ofType(EventStateChanged)
	assert.Equal(t, status.StateIdle, changed[0].Session.State)
	assert.Equal(t, 2, h.rec.ofType(EventExited)[0].ExitCode)

	// A new create for the same key starts fresh.
	_, created, err := h.mgr.Create("/repo", KindAgent, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestExitAfterDestroyIsIgnored(t *testing.T) {
	h := newHarness(t)
	d, _, _ := h.mgr.Create("/repo", KindShell, nil)
	proc := h.spawner.last()
	h.mgr.Destroy(d.ID)
	h.rec.reset()

	proc.exit(0)
	h.loop.Drain()
	assert.Empty(t, h.rec.events)
}

func TestShutdownDestroysEverything(t *testing.T) {
	h := newHarness(t)
	_, _, _ = h.mgr.Create("/a", KindAgent, nil)
	_, _, _ = h.mgr.Create("/b", KindShell, nil)

	h.mgr.Shutdown()
	assert.Equal(t, 0, h.mgr.Len())
	assert.Len(t, h.rec.ofType(EventDestroyed), 2)
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": KindAgent, "agent": KindAgent, "claude": KindAgent, "shell": KindShell, "terminal": KindShell} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("vim")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
