// Package wire holds the JSON shapes chorus shares with external
// processes: recognizer daemons and chat-platform bridges. Both sides
// import this package so the frames stay in sync.
package wire

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SecretHeader authenticates bridge calls in both directions.
const SecretHeader = "X-Chorus-Secret"

// RecognizerEvent is one recognized trigger token from the wake-word
// engine. Confidence is in [0,1].
type RecognizerEvent struct {
	Token      string    `json:"token"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// ArmCommand tells the recognizer which tokens to keep live. Sent
// whenever the active mode changes.
type ArmCommand struct {
	Cmd    string   `json:"cmd"`
	Tokens []string `json:"tokens"`
}

// NewArmCommand builds the re-arm frame for a token set.
func NewArmCommand(tokens []string) ArmCommand {
	return ArmCommand{Cmd: "arm", Tokens: tokens}
}

// BridgeEvent is one inbound message from a chat-platform bridge.
// EventID is chosen by the bridge and used to drop duplicate deliveries.
type BridgeEvent struct {
	EventID  string `json:"event_id"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Text     string `json:"text"`
}

// BridgeReply is the outbound frame posted back to the bridge. Delivery
// is best-effort; the bridge owes no acknowledgement beyond the status
// code.
type BridgeReply struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
}

var fieldRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate rejects events that cannot form a context key. Text may be
// anything, the identity fields may not.
func (ev BridgeEvent) Validate() error {
	if strings.TrimSpace(ev.Text) == "" {
		return errors.New("empty text")
	}
	for _, f := range []struct {
		name, val string
	}{
		{"event_id", ev.EventID},
		{"platform", ev.Platform},
		{"channel", ev.Channel},
		{"user", ev.User},
	} {
		if f.val == "" {
			return fmt.Errorf("missing %s", f.name)
		}
		if !fieldRe.MatchString(f.val) {
			return fmt.Errorf("invalid %s: %q", f.name, f.val)
		}
	}
	return nil
}
