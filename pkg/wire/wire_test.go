package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeEventValidate(t *testing.T) {
	good := BridgeEvent{
		EventID:  "evt-1",
		Platform: "telegram",
		Channel:  "family",
		User:     "ann",
		Text:     "hello there",
	}
	require.NoError(t, good.Validate())

	cases := []struct {
		name   string
		mutate func(*BridgeEvent)
		want   string
	}{
		{"blank text", func(ev *BridgeEvent) { ev.Text = "  \t " }, "empty text"},
		{"no event id", func(ev *BridgeEvent) { ev.EventID = "" }, "missing event_id"},
		{"no platform", func(ev *BridgeEvent) { ev.Platform = "" }, "missing platform"},
		{"no channel", func(ev *BridgeEvent) { ev.Channel = "" }, "missing channel"},
		{"no user", func(ev *BridgeEvent) { ev.User = "" }, "missing user"},
		{"user with spaces", func(ev *BridgeEvent) { ev.User = "ann smith" }, "invalid user"},
		{"channel with slash", func(ev *BridgeEvent) { ev.Channel = "a/b" }, "invalid channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := good
			tc.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestArmCommandFrame(t *testing.T) {
	raw, err := json.Marshal(NewArmCommand([]string{"wake", "sleep"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"arm","tokens":["wake","sleep"]}`, string(raw))
}

func TestRecognizerEventDecode(t *testing.T) {
	var ev RecognizerEvent
	err := json.Unmarshal([]byte(`{"token":"computer","confidence":0.87}`), &ev)
	require.NoError(t, err)
	assert.Equal(t, "computer", ev.Token)
	assert.InDelta(t, 0.87, ev.Confidence, 1e-9)
}
