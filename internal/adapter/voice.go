// Package adapter holds the input/output channels the orchestrator
// drives: wake-word audio, the terminal, the web UI, and chat-platform
// bridges. Each adapter translates its own wire format into trigger
// tokens and conversational text; none of them carry mode or
// conversation state of their own.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"chorus/internal/chorus"
	"chorus/internal/mode"
	"chorus/internal/notify"
	"chorus/pkg/util"
	"chorus/pkg/wire"
)

// VoiceOptions configures the recognizer client.
type VoiceOptions struct {
	URL           string  // ws:// endpoint of the recognizer daemon
	MinConfidence float64 // events below this are dropped
	Earcon        string  // optional mp3 acknowledging accepted triggers
}

// Voice is the wake-word channel: a websocket client of the external
// recognizer daemon. Inbound frames are recognizer events; outbound
// frames re-arm the token set the recognizer keeps live for the active
// mode.
type Voice struct {
	opts   VoiceOptions
	events chorus.Events

	mu     sync.Mutex
	conn   *ws.Conn
	armed  []string
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewVoice(opts VoiceOptions) *Voice {
	return &Voice{opts: opts}
}

func (v *Voice) Name() string { return "voice" }

func (v *Voice) Start(ctx context.Context, events chorus.Events) error {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, v.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial recognizer %s: %w", v.opts.URL, err)
	}

	v.events = events
	v.mu.Lock()
	v.conn = conn
	v.mu.Unlock()

	if m := events.Mode(); m != nil {
		v.arm(m.Recognizers)
	}

	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})
	go v.readLoop(ctx)
	return nil
}

func (v *Voice) Stop() error {
	v.cancel()
	v.mu.Lock()
	v.closed = true
	conn := v.conn
	v.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-v.done
	return nil
}

// ModeChanged re-arms the recognizer for the new mode. A mode with the
// same token set (order aside) costs no round trip.
func (v *Voice) ModeChanged(m *mode.Mode) {
	v.mu.Lock()
	same := util.SameStrings(v.armed, m.Recognizers, true)
	v.mu.Unlock()
	if same {
		return
	}
	v.arm(m.Recognizers)
}

func (v *Voice) arm(tokens []string) {
	frame, err := json.Marshal(wire.NewArmCommand(tokens))
	if err != nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == nil {
		return
	}
	if err := v.conn.WriteMessage(ws.TextMessage, frame); err != nil {
		log.Warn("Failed to arm recognizer", "err", err)
		return
	}
	v.armed = append([]string(nil), tokens...)
	log.Debug("Recognizer armed", "tokens", tokens)
}

func (v *Voice) readLoop(ctx context.Context) {
	defer close(v.done)

	for {
		v.mu.Lock()
		conn := v.conn
		v.mu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Recognizer stream broken", "err", err)
			if !v.reconnect(ctx) {
				return
			}
			continue
		}

		var ev wire.RecognizerEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Warn("Bad recognizer frame", "err", err)
			continue
		}
		if ev.Confidence < v.opts.MinConfidence {
			log.Debug("Token below confidence gate", "token", ev.Token, "confidence", ev.Confidence)
			continue
		}

		if v.events.OnToken("voice", ev.Token) {
			if err := notify.Earcon(v.opts.Earcon); err != nil {
				log.Warn("Earcon failed", "err", err)
			}
		}
	}
}

// reconnect redials until it succeeds or the adapter shuts down. The
// recognizer forgets its token set on disconnect, so a fresh
// connection is re-armed with the last set before events flow again.
func (v *Voice) reconnect(ctx context.Context) bool {
	wait := time.Second
	for {
		conn, _, err := ws.DefaultDialer.DialContext(ctx, v.opts.URL, nil)
		if err == nil {
			v.mu.Lock()
			if v.closed {
				v.mu.Unlock()
				conn.Close()
				return false
			}
			v.conn = conn
			armed := append([]string(nil), v.armed...)
			v.mu.Unlock()

			log.Info("Recognizer reconnected", "url", v.opts.URL)
			v.arm(armed)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}
