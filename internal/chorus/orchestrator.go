// Package chorus is the coordination core: it owns the single current
// mode, starts and stops the input adapters, serializes trigger-token
// transitions, and runs the conversational reply pipeline against the
// context store and the advisor. Adapters never talk to each other,
// only to the orchestrator.
package chorus

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"chorus/internal/action"
	"chorus/internal/convo"
	"chorus/internal/mode"
	"chorus/pkg/directive"
)

// ErrNotRunning rejects adapter events outside the Running state.
var ErrNotRunning = errors.New("orchestrator not running")

// busyReply is what a caller sees while a reply for the same context
// key is still being generated.
const busyReply = "Hold on, I'm still working on your previous message."

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Adapter is one input/output channel. Start must not block: the
// adapter spawns its own loops under ctx and reports readiness by
// returning. Stop tears the loops down and returns once they are gone.
type Adapter interface {
	Name() string
	Start(ctx context.Context, events Events) error
	Stop() error
}

// ModeObserver is implemented by adapters that react to transitions,
// e.g. the voice adapter re-arming its recognizer token set.
// Notifications arrive in transition order from a single goroutine and
// must not block.
type ModeObserver interface {
	ModeChanged(m *mode.Mode)
}

// Events is the orchestrator surface handed to adapters.
type Events interface {
	// OnToken feeds one trigger token. It reports whether the token did
	// anything: a transition, a configured command, or both.
	OnToken(src, token string) bool
	// OnText feeds one conversational message and returns the reply to
	// show the user. An empty reply means there is nothing to show.
	OnText(ctx context.Context, src string, key convo.Key, text string) (string, error)
	// Mode is the current mode snapshot.
	Mode() *mode.Mode
	// Status is a point-in-time view for control surfaces.
	Status() Status
}

type AdapterStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type Status struct {
	State    string          `json:"state"`
	Mode     string          `json:"mode"`
	Since    time.Time       `json:"since"`
	Contexts int             `json:"contexts"`
	Adapters []AdapterStatus `json:"adapters"`
}

// TableSet is everything a config load produces for the orchestrator.
// Apply swaps it in whole, so readers never see a half-updated config.
type TableSet struct {
	Table        *mode.Table
	Commands     map[string]action.Descriptor
	Personas     map[string]string
	Fallback     string
	ReplyTimeout time.Duration
}

type Options struct {
	TableSet
	Store    *convo.Store
	Executor *action.Executor
	Advisor  Advisor
}

type Orchestrator struct {
	store *convo.Store
	exec  *action.Executor

	mu           sync.Mutex
	state        State
	table        *mode.Table
	commands     map[string]action.Descriptor
	current      *mode.Mode
	fallback     string
	replyTimeout time.Duration
	advisor      Advisor
	adapters     []Adapter
	started      map[string]bool
	since        time.Time
	ctx          context.Context
	cancel       context.CancelFunc

	notifyCh chan *mode.Mode
	wg       sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 45 * time.Second
	}
	o := &Orchestrator{
		store:        opts.Store,
		exec:         opts.Executor,
		table:        opts.Table,
		commands:     opts.Commands,
		fallback:     opts.Fallback,
		replyTimeout: opts.ReplyTimeout,
		advisor:      opts.Advisor,
		started:      make(map[string]bool),
	}
	if opts.Personas != nil {
		o.store.SetPersonas(opts.Personas)
	}
	return o
}

// Register adds an adapter. Only legal while stopped; order is start
// order, and stop runs it in reverse.
func (o *Orchestrator) Register(a Adapter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Stopped {
		return fmt.Errorf("register %s: orchestrator is %s", a.Name(), o.state)
	}
	o.adapters = append(o.adapters, a)
	return nil
}

// Start brings the orchestrator to Running: mode reset to the default,
// adapters started in registration order. An adapter that fails to
// start is logged and skipped; the rest keep going.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Stopped {
		o.mu.Unlock()
		return fmt.Errorf("start: orchestrator is %s", o.state)
	}
	o.state = Starting
	o.current = o.table.Default()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.notifyCh = make(chan *mode.Mode, 16)
	adapters := append([]Adapter(nil), o.adapters...)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.notifyLoop()

	for _, a := range adapters {
		if err := a.Start(o.ctx, o); err != nil {
			log.Error("Adapter failed to start", "adapter", a.Name(), "err", err)
			continue
		}
		o.mu.Lock()
		o.started[a.Name()] = true
		o.mu.Unlock()
		log.Info("Adapter started", "adapter", a.Name())
	}

	o.mu.Lock()
	o.state = Running
	o.since = time.Now()
	current := o.current
	o.mu.Unlock()

	log.Info("Orchestrator running", "mode", current.Name)
	return nil
}

// Stop tears everything down: no new events, adapters stopped in
// reverse order, in-flight command dispatches drained (each bounded by
// its own timeout). Stopping an already stopped orchestrator is a
// no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	switch o.state {
	case Stopped:
		o.mu.Unlock()
		return nil
	case Running:
	default:
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("stop: orchestrator is %s", st)
	}
	o.state = Stopping
	adapters := append([]Adapter(nil), o.adapters...)
	started := o.started
	o.started = make(map[string]bool)
	o.mu.Unlock()

	o.cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		if !started[a.Name()] {
			continue
		}
		if err := a.Stop(); err != nil {
			log.Error("Adapter failed to stop", "adapter", a.Name(), "err", err)
		} else {
			log.Info("Adapter stopped", "adapter", a.Name())
		}
	}

	o.wg.Wait()

	o.mu.Lock()
	o.state = Stopped
	o.current = nil
	o.mu.Unlock()

	log.Info("Orchestrator stopped")
	return nil
}

// Replace swaps in a fresh instance of one adapter while running: the
// old instance (if started) is stopped, the new one started. Config
// reload uses this for adapters whose section changed; an adapter that
// was newly enabled is simply added.
func (o *Orchestrator) Replace(name string, a Adapter) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return fmt.Errorf("replace %s: orchestrator is %s", name, o.state)
	}
	idx := -1
	for i, cur := range o.adapters {
		if cur.Name() == name {
			idx = i
			break
		}
	}
	var old Adapter
	if idx >= 0 && o.started[name] {
		old = o.adapters[idx]
	}
	ctx := o.ctx
	o.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			log.Error("Adapter failed to stop", "adapter", name, "err", err)
		}
	}

	err := a.Start(ctx, o)

	o.mu.Lock()
	if idx >= 0 {
		o.adapters[idx] = a
	} else {
		o.adapters = append(o.adapters, a)
	}
	o.started[name] = err == nil
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	log.Info("Adapter restarted", "adapter", name)
	return nil
}

// Remove stops and drops one adapter. Reload uses this when a section
// flips to disabled. Removing an adapter that isn't registered is a
// no-op.
func (o *Orchestrator) Remove(name string) error {
	o.mu.Lock()
	idx := -1
	for i, cur := range o.adapters {
		if cur.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return nil
	}
	a := o.adapters[idx]
	running := o.started[name]
	o.adapters = append(o.adapters[:idx], o.adapters[idx+1:]...)
	delete(o.started, name)
	o.mu.Unlock()

	if !running {
		return nil
	}
	if err := a.Stop(); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	log.Info("Adapter removed", "adapter", name)
	return nil
}

// OnToken resolves one trigger token. Safe for concurrent callers:
// transitions are serialized under one lock, and a configured command
// is dispatched only after the transition committed, off the lock.
func (o *Orchestrator) OnToken(src, token string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return false
	}

	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return false
	}
	next, accepted := o.table.Transition(o.current, token)
	changed := accepted && next != o.current
	if changed {
		o.current = next
		o.notify(next)
	}
	cmd, hasCmd := o.commands[token]
	o.mu.Unlock()

	if changed {
		log.Info("Mode changed", "mode", next.Name, "trigger", token, "src", src)
	}
	if hasCmd {
		o.dispatch(src, token, cmd)
	}
	if !accepted && !hasCmd {
		log.Debug("Token ignored", "token", token, "src", src)
	}
	return accepted || hasCmd
}

// dispatch runs one command asynchronously. The waitgroup lets Stop
// drain these; a shutdown does not cut a command short, each run is
// bounded by the descriptor's own timeout instead.
func (o *Orchestrator) dispatch(src, token string, d action.Descriptor) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := o.exec.Execute(context.Background(), d, map[string]string{"src": src, "token": token})
		if res.OK {
			log.Info("Command done", "token", token, "id", res.ID, "took", res.Duration, "msg", res.Message)
		} else {
			log.Error("Command failed", "token", token, "id", res.ID, "msg", res.Message)
		}
	}()
}

// OnText runs the reply pipeline for one inbound message. The reply it
// returns already has all directives stripped.
func (o *Orchestrator) OnText(ctx context.Context, src string, key convo.Key, text string) (string, error) {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return "", ErrNotRunning
	}
	persona := o.current.Persona
	fallback := o.fallback
	timeout := o.replyTimeout
	advisor := o.advisor
	o.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	// A message that is nothing but a directive is applied directly,
	// no advisor round-trip.
	if d, ok := directive.Only(text); ok {
		return o.applyInbound(src, key, d, persona), nil
	}

	gen, err := o.store.BeginGeneration(key, persona)
	if errors.Is(err, convo.ErrContextLocked) {
		return busyReply, nil
	}
	if err != nil {
		return "", err
	}
	defer gen.End()

	if err := gen.Append(convo.Turn{Role: convo.RoleUser, Content: text, At: time.Now()}); err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := advisor.Reply(cctx, gen.Prompt())
	if err != nil {
		log.Error("Advisor failed", "key", key.String(), "err", err)
		if aerr := gen.Append(convo.Turn{Role: convo.RoleAssistant, Content: fallback, At: time.Now()}); aerr != nil {
			log.Error("Failed to record fallback turn", "key", key.String(), "err", aerr)
		}
		return fallback, nil
	}

	dec := directive.Decode(raw)
	for _, d := range dec.Directives {
		o.applyFromReply(src, key, d)
	}

	if dec.Text != "" {
		if err := gen.Append(convo.Turn{Role: convo.RoleAssistant, Content: dec.Text, At: time.Now()}); err != nil {
			log.Error("Failed to record reply turn", "key", key.String(), "err", err)
		}
	}
	return dec.Text, nil
}

// applyInbound handles a bare directive typed or sent by the user and
// answers with a confirmation or a rejection they can read.
func (o *Orchestrator) applyInbound(src string, key convo.Key, d directive.Directive, persona string) string {
	switch d.Kind {
	case directive.ModeSwitch:
		if o.switchMode(src, d.Arg) {
			return fmt.Sprintf("Mode set to %s.", d.Arg)
		}
		return fmt.Sprintf("I don't know a mode called %s.", d.Arg)

	case directive.PersonaSwitch:
		if _, err := o.store.GetOrCreate(key, persona); err != nil {
			log.Error("Failed to open context", "key", key.String(), "err", err)
			return "Something went wrong on my side."
		}
		if err := o.store.SwitchPersona(key, d.Arg); err != nil {
			if errors.Is(err, convo.ErrUnknownPersona) {
				return fmt.Sprintf("I don't know a persona called %s, keeping the current one.", d.Arg)
			}
			log.Error("Persona switch failed", "key", key.String(), "err", err)
			return "Something went wrong on my side."
		}
		return fmt.Sprintf("Persona switched to %s.", d.Arg)
	}
	return ""
}

// applyFromReply handles a directive the advisor embedded in its
// answer. Unknown targets are dropped: the user already got the
// stripped text, there is nothing to explain.
func (o *Orchestrator) applyFromReply(src string, key convo.Key, d directive.Directive) {
	switch d.Kind {
	case directive.ModeSwitch:
		if !o.switchMode(src, d.Arg) {
			log.Warn("Reply directive names unknown mode", "mode", d.Arg, "src", src)
		}
	case directive.PersonaSwitch:
		if err := o.store.SwitchPersona(key, d.Arg); err != nil {
			log.Warn("Reply directive persona switch dropped", "persona", d.Arg, "key", key.String(), "err", err)
		}
	}
}

// switchMode sets the current mode by name, bypassing trigger lookup.
// This is the directive path; token transitions go through OnToken.
func (o *Orchestrator) switchMode(src, name string) bool {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return false
	}
	next, ok := o.table.Lookup(name)
	if !ok {
		o.mu.Unlock()
		return false
	}
	changed := next != o.current
	if changed {
		o.current = next
		o.notify(next)
	}
	o.mu.Unlock()

	if changed {
		log.Info("Mode changed", "mode", name, "via", "directive", "src", src)
	}
	return true
}

// Apply swaps in a freshly loaded config. The current mode survives
// when the new table still declares it, otherwise the default takes
// over. Adapters get a notification either way so they can re-arm
// against the new table.
func (o *Orchestrator) Apply(ts TableSet) {
	if ts.Personas != nil {
		o.store.SetPersonas(ts.Personas)
	}

	o.mu.Lock()
	o.table = ts.Table
	o.commands = ts.Commands
	o.fallback = ts.Fallback
	if ts.ReplyTimeout > 0 {
		o.replyTimeout = ts.ReplyTimeout
	}
	if o.state == Running {
		if cur, ok := o.table.Lookup(o.current.Name); ok {
			o.current = cur
		} else {
			o.current = o.table.Default()
		}
		o.notify(o.current)
	}
	current := o.current
	o.mu.Unlock()

	if current != nil {
		log.Info("Config applied", "mode", current.Name)
	} else {
		log.Info("Config applied")
	}
}

// notify queues a mode-change notification. Called with o.mu held so
// queue order equals transition order; the send never blocks, a full
// queue drops the oldest pending notification in favor of the newest
// state.
func (o *Orchestrator) notify(m *mode.Mode) {
	if o.notifyCh == nil {
		return
	}
	for {
		select {
		case o.notifyCh <- m:
			return
		default:
			select {
			case <-o.notifyCh:
			default:
			}
		}
	}
}

// notifyLoop fans mode changes out to observer adapters, one at a
// time, in order.
func (o *Orchestrator) notifyLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case m := <-o.notifyCh:
			o.mu.Lock()
			adapters := append([]Adapter(nil), o.adapters...)
			o.mu.Unlock()
			for _, a := range adapters {
				if obs, ok := a.(ModeObserver); ok {
					obs.ModeChanged(m)
				}
			}
		}
	}
}

// Mode returns the current mode, nil while stopped.
func (o *Orchestrator) Mode() *mode.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status snapshots the daemon for control surfaces.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		State: o.state.String(),
		Since: o.since,
	}
	if o.current != nil {
		st.Mode = o.current.Name
	}
	for _, a := range o.adapters {
		st.Adapters = append(st.Adapters, AdapterStatus{Name: a.Name(), Running: o.started[a.Name()]})
	}
	o.mu.Unlock()

	st.Contexts = o.store.Count()
	return st
}
