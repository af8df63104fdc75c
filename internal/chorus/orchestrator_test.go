package chorus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chorus/internal/action"
	"chorus/internal/convo"
	"chorus/internal/mode"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAdvisor struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  int
	lastIn convo.PromptBundle
}

func (f *fakeAdvisor) Reply(_ context.Context, p convo.PromptBundle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastIn = p
	return f.reply, f.err
}

func (f *fakeAdvisor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedAdvisor blocks every Reply until the gate closes, so tests can
// hold a generation open.
type gatedAdvisor struct {
	gate  chan struct{}
	reply string
}

func (g *gatedAdvisor) Reply(ctx context.Context, _ convo.PromptBundle) (string, error) {
	select {
	case <-g.gate:
		return g.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeAdapter struct {
	name     string
	startErr error
	stopLog  *[]string

	mu     sync.Mutex
	events Events
	starts int
	stops  int
	modes  []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(_ context.Context, ev Events) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.events = ev
	f.starts++
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopLog != nil {
		*f.stopLog = append(*f.stopLog, f.name)
	}
	return nil
}

func (f *fakeAdapter) ModeChanged(m *mode.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, m.Name)
}

func (f *fakeAdapter) seenModes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modes...)
}

func (f *fakeAdapter) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func testTable(t *testing.T) *mode.Table {
	t.Helper()
	tbl, warnings, err := mode.NewTable([]mode.Mode{
		{Name: "idle", Triggers: []string{"wake"}, Persona: "butler", Recognizers: []string{"small"}},
		{Name: "computer", Triggers: []string{"computer"}, Persona: "operator", Recognizers: []string{"small", "large"}},
		{Name: "chatty", Triggers: []string{"chat"}, Persona: "butler"},
	}, "idle", []string{"idle", "computer", "chatty"})
	require.NoError(t, err)
	require.Empty(t, warnings)
	return tbl
}

func newOrch(t *testing.T, adv Advisor, adapters ...Adapter) (*Orchestrator, *convo.Store) {
	t.Helper()
	store, err := convo.Open(convo.Options{HistoryCap: 10})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	o := New(Options{
		TableSet: TableSet{
			Table: testTable(t),
			Commands: map[string]action.Descriptor{
				"lock": {Kind: action.KindMessage, Payload: "locking for {src}"},
			},
			Personas: map[string]string{
				"butler":   "You are a butler.",
				"operator": "You are an operator.",
			},
			Fallback:     "The advisor is away, try again in a bit.",
			ReplyTimeout: 2 * time.Second,
		},
		Store:    store,
		Executor: action.NewExecutor(action.Config{}),
		Advisor:  adv,
	})
	for _, a := range adapters {
		require.NoError(t, o.Register(a))
	}
	return o, store
}

func startOrch(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop() })
}

func TestLifecycle(t *testing.T) {
	var stopLog []string
	first := &fakeAdapter{name: "first", stopLog: &stopLog}
	second := &fakeAdapter{name: "second", stopLog: &stopLog}

	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, first, second)
	assert.Equal(t, Stopped, o.State())

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, Running, o.State())
	assert.Equal(t, "idle", o.Mode().Name)

	assert.Error(t, o.Start(context.Background()), "double start must be rejected")
	assert.Error(t, o.Register(&fakeAdapter{name: "late"}), "register while running must be rejected")

	require.NoError(t, o.Stop())
	assert.Equal(t, Stopped, o.State())
	assert.Equal(t, []string{"second", "first"}, stopLog, "stop runs in reverse start order")

	require.NoError(t, o.Stop(), "stopping a stopped orchestrator is a no-op")
}

func TestStartSkipsFailedAdapter(t *testing.T) {
	broken := &fakeAdapter{name: "broken", startErr: errors.New("no device")}
	fine := &fakeAdapter{name: "fine"}

	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, broken, fine)
	startOrch(t, o)

	st := o.Status()
	require.Len(t, st.Adapters, 2)
	assert.False(t, st.Adapters[0].Running)
	assert.True(t, st.Adapters[1].Running)

	require.NoError(t, o.Stop())
	assert.Equal(t, 0, broken.stops, "never-started adapter must not be stopped")
	assert.Equal(t, 1, fine.stops)
}

func TestOnTokenTransitions(t *testing.T) {
	obs := &fakeAdapter{name: "obs"}
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, obs)

	assert.False(t, o.OnToken("test", "computer"), "tokens before start are dropped")

	startOrch(t, o)

	assert.True(t, o.OnToken("test", "computer"))
	assert.Equal(t, "computer", o.Mode().Name)

	require.Eventually(t, func() bool {
		modes := obs.seenModes()
		return len(modes) > 0 && modes[len(modes)-1] == "computer"
	}, 2*time.Second, 10*time.Millisecond, "observer adapters hear about the transition")

	assert.False(t, o.OnToken("test", "no_such_token"))
	assert.Equal(t, "computer", o.Mode().Name, "unknown token leaves the mode alone")

	assert.True(t, o.OnToken("test", "  Computer \n"), "tokens are normalized")
}

func TestOnTokenCommandOnly(t *testing.T) {
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"})
	startOrch(t, o)

	// "lock" is a configured command but no mode trigger: the token is
	// still handled and the mode stays put.
	assert.True(t, o.OnToken("test", "lock"))
	assert.Equal(t, "idle", o.Mode().Name)
}

func TestToggleCycles(t *testing.T) {
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"})
	startOrch(t, o)

	names := make([]string, 0, 3)
	for range 3 {
		require.True(t, o.OnToken("test", "toggle"))
		names = append(names, o.Mode().Name)
	}
	assert.Equal(t, []string{"computer", "chatty", "idle"}, names, "three toggles land back at the start")
}

func TestOnTextReplyPipeline(t *testing.T) {
	adv := &fakeAdvisor{reply: "Sure thing! SWITCH_MODE:computer"}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	key := convo.Key{Platform: "web", Channel: "session", User: "u1"}
	reply, err := o.OnText(context.Background(), "web", key, "please switch to the computer")
	require.NoError(t, err)

	assert.Equal(t, "Sure thing!", reply, "directives never reach the user")
	assert.Equal(t, "computer", o.Mode().Name, "the stripped directive was applied")

	rec, ok := store.Peek(key)
	require.True(t, ok)
	assert.False(t, rec.Locked, "generation guard released")
	require.Len(t, rec.History, 2)
	assert.Equal(t, convo.RoleUser, rec.History[0].Role)
	assert.Equal(t, "Sure thing!", rec.History[1].Content, "history stores what the user saw")

	assert.Equal(t, "butler", rec.Persona, "context was seeded from the mode active when it was created")
}

func TestOnTextDirectiveOnlyReply(t *testing.T) {
	adv := &fakeAdvisor{reply: "SWITCH_MODE:chatty"}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	key := convo.Key{Platform: "ipc", Channel: "local", User: "desk"}
	reply, err := o.OnText(context.Background(), "ipc", key, "go quiet")
	require.NoError(t, err)

	assert.Empty(t, reply)
	assert.Equal(t, "chatty", o.Mode().Name)

	rec, ok := store.Peek(key)
	require.True(t, ok)
	require.Len(t, rec.History, 1, "nothing user-visible, nothing recorded")
	assert.Equal(t, convo.RoleUser, rec.History[0].Role)
}

func TestOnTextFallbackOnAdvisorFailure(t *testing.T) {
	adv := &fakeAdvisor{err: errors.New("backend down")}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	key := convo.Key{Platform: "web", Channel: "session", User: "u2"}
	reply, err := o.OnText(context.Background(), "web", key, "hello?")
	require.NoError(t, err)
	assert.Equal(t, "The advisor is away, try again in a bit.", reply)

	rec, ok := store.Peek(key)
	require.True(t, ok)
	assert.False(t, rec.Locked, "failure path must release the key")

	// The next message goes straight through.
	adv.mu.Lock()
	adv.err = nil
	adv.reply = "back again"
	adv.mu.Unlock()
	reply, err = o.OnText(context.Background(), "web", key, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "back again", reply)
}

func TestOnTextBusyKey(t *testing.T) {
	adv := &gatedAdvisor{gate: make(chan struct{}), reply: "done thinking"}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	key := convo.Key{Platform: "bridge", Channel: "room", User: "ann"}
	done := make(chan string, 1)
	go func() {
		reply, _ := o.OnText(context.Background(), "bridge", key, "long question")
		done <- reply
	}()

	require.Eventually(t, func() bool {
		rec, ok := store.Peek(key)
		return ok && rec.Locked
	}, 2*time.Second, 5*time.Millisecond)

	reply, err := o.OnText(context.Background(), "bridge", key, "are you there?")
	require.NoError(t, err)
	assert.Equal(t, busyReply, reply, "second message on a busy key gets the busy reply, not a queue")

	close(adv.gate)
	select {
	case reply := <-done:
		assert.Equal(t, "done thinking", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("first reply never finished")
	}
}

func TestOnTextDistinctKeysRunConcurrently(t *testing.T) {
	adv := &gatedAdvisor{gate: make(chan struct{}), reply: "parallel"}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	ann := convo.Key{Platform: "bridge", Channel: "room", User: "ann"}
	bob := convo.Key{Platform: "bridge", Channel: "room", User: "bob"}

	done := make(chan string, 2)
	for _, key := range []convo.Key{ann, bob} {
		key := key
		go func() {
			reply, _ := o.OnText(context.Background(), "bridge", key, "question")
			done <- reply
		}()
	}

	// Both keys must be mid-generation at once: one busy context never
	// blocks another.
	require.Eventually(t, func() bool {
		a, okA := store.Peek(ann)
		b, okB := store.Peek(bob)
		return okA && okB && a.Locked && b.Locked
	}, 2*time.Second, 5*time.Millisecond)

	close(adv.gate)
	for range 2 {
		select {
		case reply := <-done:
			assert.Equal(t, "parallel", reply)
		case <-time.After(2 * time.Second):
			t.Fatal("a reply never finished")
		}
	}
}

func TestInboundDirectives(t *testing.T) {
	adv := &fakeAdvisor{reply: "should not be called"}
	o, store := newOrch(t, adv)
	startOrch(t, o)

	key := convo.Key{Platform: "web", Channel: "session", User: "u3"}

	reply, err := o.OnText(context.Background(), "web", key, "SWITCH_MODE:computer")
	require.NoError(t, err)
	assert.Equal(t, "Mode set to computer.", reply)
	assert.Equal(t, "computer", o.Mode().Name)

	reply, err = o.OnText(context.Background(), "web", key, "SWITCH_MODE:ghost")
	require.NoError(t, err)
	assert.Equal(t, "I don't know a mode called ghost.", reply)
	assert.Equal(t, "computer", o.Mode().Name)

	reply, err = o.OnText(context.Background(), "web", key, "SWITCH_PERSONA:operator")
	require.NoError(t, err)
	assert.Equal(t, "Persona switched to operator.", reply)
	rec, ok := store.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "operator", rec.Persona)

	reply, err = o.OnText(context.Background(), "web", key, "SWITCH_PERSONA:nobody")
	require.NoError(t, err)
	assert.Equal(t, "I don't know a persona called nobody, keeping the current one.", reply)
	rec, _ = store.Peek(key)
	assert.Equal(t, "operator", rec.Persona, "rejected switch keeps the prior persona")

	assert.Equal(t, 0, adv.callCount(), "bare directives skip the advisor")
}

func TestApplySwapsTables(t *testing.T) {
	obs := &fakeAdapter{name: "obs"}
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, obs)
	startOrch(t, o)

	require.True(t, o.OnToken("test", "computer"))
	require.Equal(t, "computer", o.Mode().Name)

	// The replacement table drops "computer" entirely and renames the
	// command set.
	tbl, _, err := mode.NewTable([]mode.Mode{
		{Name: "night", Triggers: []string{"night"}, Persona: "butler"},
	}, "night", nil)
	require.NoError(t, err)

	o.Apply(TableSet{
		Table: tbl,
		Commands: map[string]action.Descriptor{
			"beep": {Kind: action.KindMessage, Payload: "beep"},
		},
		Personas: map[string]string{"butler": "You are a butler."},
		Fallback: "fallback",
	})

	assert.Equal(t, "night", o.Mode().Name, "a vanished mode falls back to the new default")
	assert.False(t, o.OnToken("test", "lock"), "old command table is gone")
	assert.True(t, o.OnToken("test", "beep"), "new command table is live")
	assert.False(t, o.OnToken("test", "computer"), "old triggers are gone")

	require.Eventually(t, func() bool {
		modes := obs.seenModes()
		return len(modes) > 0 && modes[len(modes)-1] == "night"
	}, 2*time.Second, 10*time.Millisecond, "reload re-arms observers")
}

func TestStatusSnapshot(t *testing.T) {
	a := &fakeAdapter{name: "web"}
	adv := &fakeAdvisor{reply: "hi"}
	o, _ := newOrch(t, adv, a)

	st := o.Status()
	assert.Equal(t, "stopped", st.State)
	assert.Empty(t, st.Mode)

	startOrch(t, o)

	for i := range 3 {
		key := convo.Key{Platform: "web", Channel: "s", User: fmt.Sprintf("u%d", i)}
		_, err := o.OnText(context.Background(), "web", key, "hello")
		require.NoError(t, err)
	}

	st = o.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "idle", st.Mode)
	assert.Equal(t, 3, st.Contexts)
	require.Len(t, st.Adapters, 1)
	assert.Equal(t, AdapterStatus{Name: "web", Running: true}, st.Adapters[0])
}

func TestReplaceRestartsOneAdapter(t *testing.T) {
	a := &fakeAdapter{name: "web"}
	b := &fakeAdapter{name: "voice"}
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, a, b)

	require.Error(t, o.Replace("web", &fakeAdapter{name: "web"}), "replace needs a running orchestrator")

	startOrch(t, o)

	next := &fakeAdapter{name: "web"}
	require.NoError(t, o.Replace("web", next))

	_, aStops := a.counts()
	nextStarts, _ := next.counts()
	_, bStops := b.counts()
	assert.Equal(t, 1, aStops, "old instance stopped")
	assert.Equal(t, 1, nextStarts, "new instance started")
	assert.Zero(t, bStops, "untouched adapter keeps running")

	st := o.Status()
	require.Len(t, st.Adapters, 2)
	for _, as := range st.Adapters {
		assert.True(t, as.Running, as.Name)
	}
}

func TestReplaceAddsNewlyEnabledAdapter(t *testing.T) {
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"})
	startOrch(t, o)

	a := &fakeAdapter{name: "bridge"}
	require.NoError(t, o.Replace("bridge", a))

	starts, _ := a.counts()
	assert.Equal(t, 1, starts)
	st := o.Status()
	require.Len(t, st.Adapters, 1)
	assert.Equal(t, AdapterStatus{Name: "bridge", Running: true}, st.Adapters[0])
}

func TestReplaceStartFailureLeavesAdapterStopped(t *testing.T) {
	a := &fakeAdapter{name: "web"}
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, a)
	startOrch(t, o)

	bad := &fakeAdapter{name: "web", startErr: errors.New("port busy")}
	require.Error(t, o.Replace("web", bad))

	st := o.Status()
	require.Len(t, st.Adapters, 1)
	assert.Equal(t, AdapterStatus{Name: "web", Running: false}, st.Adapters[0])
}

func TestRemoveStopsAdapter(t *testing.T) {
	a := &fakeAdapter{name: "web"}
	o, _ := newOrch(t, &fakeAdvisor{reply: "ok"}, a)
	startOrch(t, o)

	require.NoError(t, o.Remove("web"))
	_, stops := a.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, o.Status().Adapters)

	require.NoError(t, o.Remove("web"), "removing an absent adapter is a no-op")
}
