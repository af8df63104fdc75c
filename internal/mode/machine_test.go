package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModes() []Mode {
	return []Mode{
		{Name: "idle", Triggers: []string{"hey_chorus", "sleep"}, Persona: "default", Recognizers: []string{"wake"}},
		{Name: "computer", Triggers: []string{"computer", "mute"}, Persona: "operator", Recognizers: []string{"wake", "command"}},
		{Name: "chatty", Triggers: []string{"lets_talk", "mute"}, Persona: "companion", Recognizers: []string{"wake", "speech"}},
	}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, shadowed, err := NewTable(testModes(), "idle", []string{"idle", "computer", "chatty"})
	require.NoError(t, err)
	require.Len(t, shadowed, 1, "mute is declared twice")
	return tbl
}

func TestTransitionFirstDeclarationWins(t *testing.T) {
	tbl := newTestTable(t)
	idle, _ := tbl.Lookup("idle")

	// "mute" is declared by computer first, chatty second.
	next, accepted := tbl.Transition(idle, "mute")
	require.True(t, accepted)
	assert.Equal(t, "computer", next.Name)
}

func TestTransitionActiveModeScannedFirst(t *testing.T) {
	tbl := newTestTable(t)
	chatty, _ := tbl.Lookup("chatty")

	// chatty also declares "mute"; while chatty is active its own
	// trigger table wins over the global first-declaration index.
	next, accepted := tbl.Transition(chatty, "mute")
	require.True(t, accepted)
	assert.Equal(t, "chatty", next.Name)
}

func TestTransitionUnknownTokenRejected(t *testing.T) {
	tbl := newTestTable(t)
	idle, _ := tbl.Lookup("idle")

	next, accepted := tbl.Transition(idle, "no_such_token")
	assert.False(t, accepted)
	assert.Equal(t, "idle", next.Name)
}

func TestTransitionDeterministic(t *testing.T) {
	tbl := newTestTable(t)
	for _, m := range tbl.Modes() {
		for _, token := range []string{"hey_chorus", "computer", "mute", "toggle", "bogus"} {
			first, okFirst := tbl.Transition(m, token)
			second, okSecond := tbl.Transition(m, token)
			assert.Equal(t, first, second, "mode %s token %s", m.Name, token)
			assert.Equal(t, okFirst, okSecond)
		}
	}
}

func TestToggleCyclesBackToStart(t *testing.T) {
	tbl := newTestTable(t)
	cur, _ := tbl.Lookup("idle")

	order := []string{"computer", "chatty", "idle"}
	for i := 0; i < 3; i++ {
		next, accepted := tbl.Transition(cur, ToggleToken)
		require.True(t, accepted)
		assert.Equal(t, order[i], next.Name)
		cur = next
	}
	assert.Equal(t, "idle", cur.Name)
}

func TestToggleFromOutsideRingEntersAtFirst(t *testing.T) {
	modes := append(testModes(), Mode{Name: "guest", Triggers: []string{"guest_mode"}})
	tbl, _, err := NewTable(modes, "idle", []string{"idle", "computer"})
	require.NoError(t, err)

	guest, _ := tbl.Lookup("guest")
	next, accepted := tbl.Transition(guest, ToggleToken)
	require.True(t, accepted)
	assert.Equal(t, "idle", next.Name)
}

func TestToggleWithoutOrderFallsThrough(t *testing.T) {
	tbl, _, err := NewTable(testModes(), "idle", nil)
	require.NoError(t, err)

	idle, _ := tbl.Lookup("idle")
	next, accepted := tbl.Transition(idle, ToggleToken)
	assert.False(t, accepted)
	assert.Equal(t, "idle", next.Name)
}

func TestTransitionNilCurrentUsesDefault(t *testing.T) {
	tbl := newTestTable(t)
	next, accepted := tbl.Transition(nil, "computer")
	require.True(t, accepted)
	assert.Equal(t, "computer", next.Name)
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name    string
		modes   []Mode
		def     string
		toggle  []string
		wantErr string
	}{
		{
			name:    "no modes",
			modes:   nil,
			def:     "idle",
			wantErr: "no modes declared",
		},
		{
			name: "duplicate mode name",
			modes: []Mode{
				{Name: "idle", Triggers: []string{"a"}},
				{Name: "idle", Triggers: []string{"b"}},
			},
			def:     "idle",
			wantErr: "declared twice",
		},
		{
			name:    "invalid mode name",
			modes:   []Mode{{Name: "Idle Mode", Triggers: []string{"a"}}},
			def:     "Idle Mode",
			wantErr: "invalid mode name",
		},
		{
			name:    "invalid trigger token",
			modes:   []Mode{{Name: "idle", Triggers: []string{"hey chorus"}}},
			def:     "idle",
			wantErr: "invalid trigger",
		},
		{
			name:    "trigger repeated in one mode",
			modes:   []Mode{{Name: "idle", Triggers: []string{"a", "a"}}},
			def:     "idle",
			wantErr: "repeated",
		},
		{
			name:    "unknown default",
			modes:   []Mode{{Name: "idle", Triggers: []string{"a"}}},
			def:     "other",
			wantErr: "default mode",
		},
		{
			name:    "unknown toggle entry",
			modes:   []Mode{{Name: "idle", Triggers: []string{"a"}}},
			def:     "idle",
			toggle:  []string{"idle", "ghost"},
			wantErr: "toggle order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewTable(tt.modes, tt.def, tt.toggle)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestShadowedTriggersReported(t *testing.T) {
	_, shadowed, err := NewTable(testModes(), "idle", nil)
	require.NoError(t, err)
	require.Len(t, shadowed, 1)
	assert.Contains(t, shadowed[0], `"mute"`)
	assert.Contains(t, shadowed[0], `"computer"`)
}
