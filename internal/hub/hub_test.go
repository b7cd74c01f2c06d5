package hub

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/crewdeck/internal/git"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

func TestConnectSendsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	d, _ := h.create("", "/repo", session.KindAgent)

	v := h.connect("viewer-1")
	msgs := v.all()
	require.GreaterOrEqual(t, len(msgs), 2)

	assert.Equal(t, router.EventWorktrees, msgs[0].Event)
	summary := msgs[0].Data.([]WorktreeSummary)
	require.Len(t, summary, 2)
	require.NotNil(t, summary[0].Session)
	assert.Equal(t, d.ID, summary[0].Session.ID)
	assert.Nil(t, summary[1].Session)

	assert.Equal(t, router.EventSessionsList, msgs[1].Event)
	list := msgs[1].Data.([]session.Descriptor)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestCreateMapsViewerActivatesAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	a.reset()
	b.reset()

	d, err := h.hub.Create(h.ctx, "a", "/repo/", session.KindAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, "/repo", d.WorkingDir)
	assert.Equal(t, status.StateBusy, d.State)
	assert.True(t, d.Observed)
	assert.Equal(t, "/repo", h.wt.getSelected())

	assert.Equal(t, []string{router.EventCreated, router.EventCreateAck}, a.names())
	assert.Equal(t, []string{router.EventCreated}, b.names())

	h.spawner.Last().Emit("hello")
	h.sync()
	out := a.events(router.EventOutput)
	require.Len(t, out, 1)
	assert.Equal(t, router.OutputPayload{SessionID: d.ID, Data: "hello"}, out[0].Data)
	assert.Empty(t, b.events(router.EventOutput), "b never watched the session")
}

func TestCreateIsIdempotentPerKey(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.create("", "/repo", session.KindAgent)
	second, _ := h.create("", "/repo", session.KindAgent)
	shell, _ := h.create("", "/repo", session.KindShell)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, shell.ID)
	assert.Len(t, h.spawner.Procs(), 2)
}

func TestCreateSpawnFailureRegistersNothing(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	v.reset()
	h.spawner.SetFail(errors.New("no such binary"))

	_, err := h.hub.Create(h.ctx, "v", "/repo", session.KindAgent, nil)
	require.Error(t, err)

	list, err := h.hub.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, v.names())
}

func TestCreateRejectsInvalidKind(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.hub.Create(h.ctx, "", "/repo", session.Kind("robot"), nil)
	assert.ErrorIs(t, err, session.ErrInvalidKind)
}

func TestCreateRateLimitedPerViewer(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.CreateRate = rate.Every(time.Hour)
		o.CreateBurst = 2
	})
	h.connect("a")
	h.connect("b")

	for _, dir := range []string{"/one", "/two"} {
		_, err := h.hub.Create(h.ctx, "a", dir, session.KindShell, nil)
		require.NoError(t, err)
	}
	_, err := h.hub.Create(h.ctx, "a", "/three", session.KindShell, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = h.hub.Create(h.ctx, "b", "/three", session.KindShell, nil)
	assert.NoError(t, err, "limits are per viewer")
}

func TestReadOnlyRefusesMutations(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadOnly = true })
	assert.True(t, h.hub.ReadOnly())

	_, err := h.hub.Create(h.ctx, "", "/repo", session.KindAgent, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, h.hub.Input(h.ctx, "session-x", []byte("ls\n")), ErrReadOnly)
	assert.ErrorIs(t, h.hub.Resize(h.ctx, "session-x", 80, 24), ErrReadOnly)
	_, err = h.hub.Destroy(h.ctx, "session-x")
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = h.hub.BroadcastInput(h.ctx, "", []string{"/repo"}, session.KindAgent, []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)

	// Observation still works
	v := h.connect("v")
	found, err := h.hub.Restore(h.ctx, v.ID(), Target{SessionID: "session-x"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInputAndResize(t *testing.T) {
	h := newHarness(t, nil)
	d, proc := h.create("", "/repo", session.KindShell)

	require.NoError(t, h.hub.Input(h.ctx, d.ID, []byte("ls\n")))
	assert.Equal(t, "ls\n", proc.Input())

	// Unknown sessions are ignored, not reported
	assert.NoError(t, h.hub.Input(h.ctx, "session-missing", []byte("x")))

	require.NoError(t, h.hub.Resize(h.ctx, d.ID, 120, 40))
	require.NoError(t, h.hub.Resize(h.ctx, d.ID, 0, 40))
	require.NoError(t, h.hub.Resize(h.ctx, d.ID, 100, 30))
	h.advance(49 * time.Millisecond)
	assert.Empty(t, proc.Resizes())
	h.advance(time.Millisecond)
	assert.Equal(t, [][2]uint16{{100, 30}}, proc.Resizes(), "only the last valid request applies")
}

func TestRestoreForms(t *testing.T) {
	h := newHarness(t, nil)
	agent, proc := h.create("", "/repo", session.KindAgent)
	shell, _ := h.create("", "/repo", session.KindShell)
	proc.Emit("hello\x1b[c world")
	h.sync()

	v := h.connect("v")
	v.reset()

	found, err := h.hub.Restore(h.ctx, "v", Target{SessionID: agent.ID})
	require.NoError(t, err)
	require.True(t, found)
	restores := v.events(router.EventRestore)
	require.Len(t, restores, 1)
	assert.Equal(t, router.RestorePayload{SessionID: agent.ID, History: "hello world"}, restores[0].Data)

	// Resolving by key re-maps the viewer even without history to send.
	found, err = h.hub.Restore(h.ctx, "v", Target{WorkingDir: "/repo", Kind: session.KindShell})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, v.events(router.EventRestore), 1, "empty history sends nothing")

	proc.Emit("more")
	h.sync()
	assert.Empty(t, v.events(router.EventOutput), "viewer now watches the shell")

	found, err = h.hub.Restore(h.ctx, "v", Target{})
	require.NoError(t, err)
	assert.False(t, found)
	_ = shell
}

func TestSetActiveMapsViewerToAgentFirst(t *testing.T) {
	h := newHarness(t, nil)
	shell, shellProc := h.create("", "/repo", session.KindShell)
	agent, agentProc := h.create("", "/repo", session.KindAgent)
	agentProc.Emit("agent says hi")
	h.sync()
	require.NoError(t, h.hub.SetActive(h.ctx, "", "/repo", false))

	v := h.connect("v")
	v.reset()
	require.NoError(t, h.hub.SetActive(h.ctx, "v", "/repo", true))

	restores := v.events(router.EventRestore)
	require.Len(t, restores, 1)
	assert.Equal(t, agent.ID, restores[0].Data.(router.RestorePayload).SessionID)

	shellProc.Emit("shell output")
	agentProc.Emit("agent output")
	h.sync()
	out := v.events(router.EventOutput)
	require.Len(t, out, 1)
	assert.Equal(t, agent.ID, out[0].Data.(router.OutputPayload).SessionID)

	d, _, err := h.hub.Get(h.ctx, shell.ID)
	require.NoError(t, err)
	assert.True(t, d.Observed)

	require.NoError(t, h.hub.SetActive(h.ctx, "v", "/repo", false))
	d, _, _ = h.hub.Get(h.ctx, agent.ID)
	assert.False(t, d.Observed)
}

func TestSwitchUpdatesMappingAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	s1, p1 := h.create("a", "/repo", session.KindAgent)
	s2, p2 := h.create("", "/repo", session.KindShell)
	_, _, err := h.hub.Switch(h.ctx, "b", "/repo", session.KindAgent)
	require.NoError(t, err)
	a.reset()
	b.reset()

	p1.Emit("one")
	h.sync()
	assert.Len(t, a.events(router.EventOutput), 1)
	assert.Len(t, b.events(router.EventOutput), 1)

	ack, ok, err := h.hub.Switch(h.ctx, "b", "/repo", session.KindShell)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, router.SwitchAck{SessionID: s2.ID, Kind: session.KindShell, WorkingDir: "/repo"}, ack)
	acks := b.events(router.EventSwitchAck)
	require.Len(t, acks, 1)
	assert.Equal(t, ack, acks[0].Data)

	p1.Emit("two")
	p2.Emit("shell")
	h.sync()
	assert.Len(t, a.events(router.EventOutput), 2)
	bOut := b.events(router.EventOutput)
	require.Len(t, bOut, 2)
	assert.Equal(t, s2.ID, bOut[1].Data.(router.OutputPayload).SessionID)

	_, ok, err = h.hub.Switch(h.ctx, "b", "/elsewhere", session.KindShell)
	require.NoError(t, err)
	assert.False(t, ok)
	_ = s1
}

func TestDestroyIsIdempotentAndClearsMapping(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	d, proc := h.create("v", "/repo", session.KindAgent)
	v.reset()

	ok, err := h.hub.Destroy(h.ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.hub.Destroy(h.ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, proc.Kills())
	destroyed := v.events(router.EventDestroyed)
	require.Len(t, destroyed, 1)
	assert.Equal(t, router.DestroyedPayload{SessionID: d.ID}, destroyed[0].Data)

	_, found, err := h.hub.Get(h.ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBroadcastInput(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	_, pa := h.create("", "/a", session.KindAgent)
	_, pb := h.create("", "/b", session.KindAgent)
	_, shell := h.create("", "/c", session.KindShell)

	res, err := h.hub.BroadcastInput(h.ctx, "v", []string{"/a", "/b/", "/c"}, session.KindAgent, []byte("run tests\r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, res.Delivered)
	assert.Equal(t, []string{"/c"}, res.Skipped)
	assert.Equal(t, "run tests\r", pa.Input())
	assert.Equal(t, "run tests\r", pb.Input())
	assert.Empty(t, shell.Input())

	acks := v.events(router.EventBroadcastAck)
	require.Len(t, acks, 1)
	assert.Equal(t, res, acks[0].Data)
}

func TestIdleTransitionAndPromptNotification(t *testing.T) {
	notifier := &fakeNotifier{sent: make(chan Notification, 4)}
	h := newHarness(t, func(o *Options) { o.Notifier = notifier })
	v := h.connect("v")
	d, proc := h.create("v", "/repo", session.KindAgent)
	assert.Equal(t, "busy", h.state(d.ID))

	proc.Emit("\x1b[2mesc to interrupt\x1b[0m")
	h.sync()
	assert.Equal(t, "busy", h.state(d.ID))

	proc.Emit("plain output")
	h.sync()
	h.advance(499 * time.Millisecond)
	assert.Equal(t, "busy", h.state(d.ID))
	h.advance(time.Millisecond)
	assert.Equal(t, "idle", h.state(d.ID))

	proc.Emit("Edit main.go\n\x1b[1mDo you want to proceed? (y/n)\x1b[0m\n")
	h.sync()
	assert.Equal(t, "waiting_input", h.state(d.ID))

	var states []string
	for _, m := range v.events(router.EventStateChanged) {
		states = append(states, m.Data.(session.Descriptor).State.String())
	}
	assert.Equal(t, []string{"idle", "waiting_input"}, states)

	select {
	case n := <-notifier.sent:
		assert.Equal(t, d.ID, n.SessionID)
		assert.Equal(t, "/repo", n.WorkingDir)
		assert.Equal(t, "repo is waiting for input", n.Title)
		assert.Equal(t, "Do you want to proceed? (y/n)", n.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification")
	}
}

func TestNaturalExitBroadcastsDestroyedThenExited(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	d, proc := h.create("", "/repo", session.KindShell)
	v.reset()

	proc.Exit(3)
	h.sync()

	assert.Equal(t, []string{router.EventDestroyed, router.EventExited}, v.names())
	exited := v.events(router.EventExited)
	assert.Equal(t, router.ExitedPayload{SessionID: d.ID, WorkingDir: "/repo", ExitCode: 3}, exited[0].Data)

	list, err := h.hub.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSlowViewerIsDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	slow := h.connect("slow")
	fast := h.connect("fast")
	slow.setFull()

	h.create("", "/repo", session.KindShell)
	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Len(t, fast.events(router.EventCreated), 1)

	var viewers int
	require.NoError(t, h.hub.loop.Call(h.ctx, func() { viewers = h.hub.router.Len() }))
	assert.Equal(t, 1, viewers)
}

func TestDisconnectKeepsSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("v")
	d, proc := h.create("v", "/repo", session.KindShell)

	h.hub.Disconnect("v")
	h.sync()

	assert.Equal(t, 0, proc.Kills())
	_, ok, err := h.hub.Get(h.ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSummaryBroadcastOnLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	v.reset()

	d, _ := h.create("", "/repo-wt/feature", session.KindShell)

	require.Eventually(t, func() bool {
		for _, m := range v.events(router.EventWorktrees) {
			for _, ws := range m.Data.([]WorktreeSummary) {
				if ws.Path == "/repo-wt/feature" && ws.Session != nil && ws.Session.ID == d.ID {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSummaryKeepsLastEntriesOnEnumerationError(t *testing.T) {
	h := newHarness(t, nil)
	first, err := h.hub.Summary(h.ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)

	h.wt.mu.Lock()
	h.wt.err = errors.New("git unavailable")
	h.wt.mu.Unlock()

	again, err := h.hub.Summary(h.ctx)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestShutdownDestroysEverySession(t *testing.T) {
	h := newHarness(t, nil)
	v := h.connect("v")
	_, p1 := h.create("", "/a", session.KindAgent)
	_, p2 := h.create("", "/b", session.KindShell)
	v.reset()

	require.NoError(t, h.hub.Shutdown(h.ctx))

	assert.Equal(t, 1, p1.Kills())
	assert.Equal(t, 1, p2.Kills())
	assert.Len(t, v.events(router.EventDestroyed), 2)
	list, err := h.hub.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJoinSummary(t *testing.T) {
	created := time.Unix(100, 0)
	shell := session.Descriptor{ID: "s-shell", WorkingDir: "/a", Kind: session.KindShell, CreatedAt: created}
	agent := session.Descriptor{ID: "s-agent", WorkingDir: "/a", Kind: session.KindAgent, CreatedAt: created.Add(time.Second)}
	stray := session.Descriptor{ID: "s-stray", WorkingDir: "/not-listed", Kind: session.KindAgent}

	out := joinSummary(
		[]git.Entry{{Path: "/a", Name: "a", IsDefault: true}, {Path: "/b", Name: "b"}},
		[]session.Descriptor{shell, agent, stray},
	)
	require.Len(t, out, 2)
	assert.Equal(t, "s-agent", out[0].Session.ID, "agent is the primary session")
	assert.Equal(t, []session.Descriptor{agent, shell}, out[0].Sessions)
	assert.Nil(t, out[1].Session)
	assert.NotNil(t, out[1].Sessions)
	assert.Empty(t, out[1].Sessions)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "second", lastLine("first\nsecond\n\n  \n"))
	assert.Equal(t, "", lastLine("\n\n"))

	got := lastLine(strings.Repeat("x", 200))
	assert.LessOrEqual(t, runewidth.StringWidth(got), notifyBodyMax)
	assert.True(t, strings.HasSuffix(got, "…"))
}
