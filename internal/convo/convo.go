// Package convo is the conversational memory: one record per
// (platform, channel, user) identity, each with its persona, a capped
// turn history and an at-most-one-in-flight-reply guard. Appends are
// journaled to sqlite before they count as committed, so a restart
// resumes the same identities and loses at most the reply that was in
// flight.
package convo

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrContextLocked means a reply is already being generated for the
	// key. Transient: the caller retries or tells the user to hold on.
	ErrContextLocked = errors.New("context locked")
	// ErrUnknownPersona rejects a switch to a persona the config never
	// declared. The record keeps its prior persona.
	ErrUnknownPersona = errors.New("unknown persona")
	// ErrNoContext is returned for operations on a key that was never
	// seen and that the operation will not create.
	ErrNoContext = errors.New("no such context")
)

// Key identifies one conversational identity.
type Key struct {
	Platform string
	Channel  string
	User     string
}

func (k Key) String() string {
	return k.Platform + "/" + k.Channel + "/" + k.User
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role    Role
	Content string
	At      time.Time
}

// Record is a point-in-time snapshot of one context. Mutating it does
// not touch the store.
type Record struct {
	Key        Key
	Persona    string
	History    []Turn
	LastActive time.Time
	Locked     bool
}

// PromptBundle is the provider-ready projection of a context: the
// persona's system text plus the capped history, newest last.
type PromptBundle struct {
	System  string
	History []Turn
}

// entry is the live state for one key. mu guards every field; it is
// held only for short in-memory work plus the journal write, never
// across reply generation. The generation flag is what spans the slow
// part.
type entry struct {
	mu         sync.Mutex
	persona    string
	history    []Turn
	lastActive time.Time
	generating bool
}

type Options struct {
	// Path of the sqlite journal. Empty keeps the store memory-only,
	// which tests and throwaway runs use.
	Path string
	// HistoryCap bounds the in-memory window per key. Journal rows are
	// append-only and not trimmed.
	HistoryCap int
	// Personas maps persona id to its system text.
	Personas map[string]string
}

type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	personaMu sync.RWMutex
	personas  map[string]string

	journal *journal
	cap     int
}

// Open loads (or creates) the store. With a journal path, previously
// committed contexts and their trailing history windows are restored.
func Open(opts Options) (*Store, error) {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 40
	}

	s := &Store{
		entries:  make(map[Key]*entry),
		personas: opts.Personas,
		cap:      opts.HistoryCap,
	}
	if s.personas == nil {
		s.personas = map[string]string{}
	}

	if opts.Path != "" {
		j, err := openJournal(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		restored, err := j.loadAll(s.cap)
		if err != nil {
			j.close()
			return nil, fmt.Errorf("restore journal: %w", err)
		}
		s.journal = j
		s.entries = restored
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.journal != nil {
		return s.journal.close()
	}
	return nil
}

// SetPersonas swaps the persona table, on config reload. Existing
// records keep their persona ids even if the new table dropped them;
// rendering falls back to empty system text.
func (s *Store) SetPersonas(personas map[string]string) {
	if personas == nil {
		personas = map[string]string{}
	}
	s.personaMu.Lock()
	s.personas = personas
	s.personaMu.Unlock()
}

func (s *Store) systemText(persona string) string {
	s.personaMu.RLock()
	defer s.personaMu.RUnlock()
	return s.personas[persona]
}

func (s *Store) personaKnown(persona string) bool {
	s.personaMu.RLock()
	defer s.personaMu.RUnlock()
	_, ok := s.personas[persona]
	return ok
}

// ensure returns the live entry for key, creating and journaling a new
// one seeded with defaultPersona on first contact.
func (s *Store) ensure(key Key, defaultPersona string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e, nil
	}

	now := time.Now()
	if s.journal != nil {
		if err := s.journal.insertContext(key, defaultPersona, now); err != nil {
			return nil, err
		}
	}
	e = &entry{persona: defaultPersona, lastActive: now}
	s.entries[key] = e
	return e, nil
}

// GetOrCreate returns a snapshot of the record for key, creating it
// seeded with defaultPersona when this is the first contact.
func (s *Store) GetOrCreate(key Key, defaultPersona string) (Record, error) {
	e, err := s.ensure(key, defaultPersona)
	if err != nil {
		return Record{}, err
	}
	return s.snapshot(key, e), nil
}

// Peek returns a snapshot without creating anything.
func (s *Store) Peek(key Key) (Record, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return s.snapshot(key, e), true
}

func (s *Store) snapshot(key Key, e *entry) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		Key:        key,
		Persona:    e.persona,
		History:    append([]Turn(nil), e.history...),
		LastActive: e.lastActive,
		Locked:     e.generating,
	}
}

// Count reports how many identities the store has seen.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// appendLocked journals then applies one turn. Caller holds e.mu.
func (s *Store) appendLocked(key Key, e *entry, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	if s.journal != nil {
		if err := s.journal.appendTurn(key, turn); err != nil {
			return fmt.Errorf("journal turn: %w", err)
		}
	}
	e.history = append(e.history, turn)
	if len(e.history) > s.cap {
		e.history = append([]Turn(nil), e.history[len(e.history)-s.cap:]...)
	}
	e.lastActive = turn.At
	return nil
}

// AppendTurn records a turn for a key that is not mid-generation.
// Callers that hold the generation guard use Generation.Append
// instead.
func (s *Store) AppendTurn(key Key, turn Turn) error {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNoContext
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generating {
		return fmt.Errorf("%w: %s", ErrContextLocked, key)
	}
	return s.appendLocked(key, e, turn)
}

// SwitchPersona swaps the persona for a context and appends a system
// marker turn so the history shows when the voice changed. Both land
// in the journal as one transaction.
func (s *Store) SwitchPersona(key Key, persona string) error {
	if !s.personaKnown(persona) {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, persona)
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNoContext
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.persona == persona {
		return nil
	}

	marker := Turn{
		Role:    RoleSystem,
		Content: fmt.Sprintf("persona changed: %s -> %s", e.persona, persona),
		At:      time.Now(),
	}
	if s.journal != nil {
		if err := s.journal.switchPersona(key, persona, marker); err != nil {
			return fmt.Errorf("journal persona switch: %w", err)
		}
	}

	e.persona = persona
	e.history = append(e.history, marker)
	if len(e.history) > s.cap {
		e.history = append([]Turn(nil), e.history[len(e.history)-s.cap:]...)
	}
	e.lastActive = marker.At
	return nil
}

// RenderPrompt projects a context into provider-ready form. Pure read.
func (s *Store) RenderPrompt(key Key) (PromptBundle, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return PromptBundle{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return PromptBundle{
		System:  s.systemText(e.persona),
		History: append([]Turn(nil), e.history...),
	}, true
}

// Generation is the per-key reply guard. Holding one means no other
// caller can start a generation or append for the same key until End
// runs. End must be deferred by the caller: release happens on every
// path, success or not.
type Generation struct {
	store *Store
	key   Key
	e     *entry

	once sync.Once
}

// BeginGeneration marks the key as having a reply in flight. A second
// call while one is open fails fast with ErrContextLocked; two
// different keys never contend.
func (s *Store) BeginGeneration(key Key, defaultPersona string) (*Generation, error) {
	e, err := s.ensure(key, defaultPersona)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generating {
		return nil, fmt.Errorf("%w: %s", ErrContextLocked, key)
	}
	e.generating = true
	return &Generation{store: s, key: key, e: e}, nil
}

// Append journals a turn under the held guard.
func (g *Generation) Append(turn Turn) error {
	g.e.mu.Lock()
	defer g.e.mu.Unlock()
	return g.store.appendLocked(g.key, g.e, turn)
}

// Prompt renders the bundle as of now, including turns appended under
// this guard.
func (g *Generation) Prompt() PromptBundle {
	g.e.mu.Lock()
	defer g.e.mu.Unlock()
	return PromptBundle{
		System:  g.store.systemText(g.e.persona),
		History: append([]Turn(nil), g.e.history...),
	}
}

// End releases the guard. Safe to call more than once.
func (g *Generation) End() {
	g.once.Do(func() {
		g.e.mu.Lock()
		g.e.generating = false
		g.e.mu.Unlock()
	})
}
